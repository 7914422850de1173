package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-authstate/internal/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	authstate.CredentialCost = bcrypt.MinCost
	os.Exit(m.Run())
}

func setupEnv(t *testing.T) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "authstate.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	t.Setenv("AUTHSTATE_DATABASE_DSN", dsn)
	t.Setenv("AUTHSTATE_LOCAL_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUTHSTATE_STORE_BACKEND", "bun")
	t.Setenv("AUTHSTATE_SESSION_PERSISTENCE", "memory")
	t.Setenv("AUTHSTATE_METRICS_ADDR", "")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--env-file="))
	err := root.Execute()
	return out.String(), err
}

func TestShellSession(t *testing.T) {
	setupEnv(t)

	script := strings.Join([]string{
		"register ada@example.com secret123 Ada Lovelace",
		"whoami",
		"profile Countess",
		"signout",
		"signin ada@example.com wrong-password",
		"signin ada@example.com secret123",
		"# comment",
		"nonsense",
		"signin ada@example.com",
		"quit",
		"signout",
	}, "\n")

	out, err := run(t, script, "shell")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 9)

	assert.Equal(t, "state: None phase=idle", lines[0])
	assert.Contains(t, lines[1], `email=ada@example.com name="Ada Lovelace"`)
	assert.True(t, strings.HasPrefix(lines[1], "state: Present("))
	assert.Contains(t, lines[2], "phase=settled")
	assert.Contains(t, lines[3], `name="Countess"`)
	assert.Equal(t, "state: None", lines[4])
	assert.True(t, strings.HasPrefix(lines[5], "error [INVALID_CREDENTIAL]: "), lines[5])
	assert.Contains(t, lines[6], `name="Countess"`)
	assert.Equal(t, `unknown command "nonsense", try help`, lines[7])
	assert.Equal(t, "usage: signin <email> <password>", lines[8])
	assert.Len(t, lines, 9, "commands after quit must not run")
}

func TestOneShotJSON(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "register", "bob@example.com", "secret123", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"present"`)
	assert.Contains(t, out, "bob@example.com")
	assert.NotContains(t, out, "credential_digest")

	out, err = run(t, "", "whoami", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"none"`)
}

func TestOneShotFailure(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "", "register", "carol@example.com", "secret123")
	require.NoError(t, err)

	out, err := run(t, "", "register", "carol@example.com", "secret123")
	require.Error(t, err)
	assert.Equal(t, authstate.KindAlreadyRegistered, authstate.KindOf(err))
	assert.Contains(t, out, "error [ALREADY_REGISTERED]")
}

func TestPasswordResetAcrossInvocations(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "", "register", "dan@example.com", "secret123")
	require.NoError(t, err)

	out, err := run(t, "", "reset", "dan@example.com")
	require.NoError(t, err)

	var token string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "password reset token for dan@example.com: ") {
			token = strings.TrimPrefix(line, "password reset token for dan@example.com: ")
		}
	}
	require.NotEmpty(t, token, out)

	_, err = run(t, "", "confirm-reset", token, "brand-new-pass")
	require.NoError(t, err)

	_, err = run(t, "", "signin", "dan@example.com", "secret123")
	assert.Equal(t, authstate.KindInvalidCredential, authstate.KindOf(err))

	out, err = run(t, "", "signin", "dan@example.com", "brand-new-pass")
	require.NoError(t, err)
	assert.Contains(t, out, "state: Present(")

	_, err = run(t, "", "confirm-reset", token, "another-pass")
	assert.Error(t, err, "tokens are single use")
}

func TestInvalidFormat(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "", "whoami", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMigrate(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")
}
