package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/goliatone/go-authstate"
	"github.com/spf13/cobra"
)

// ShellOptions holds flags for the shell command.
type ShellOptions struct {
	*RootOptions
	Follow bool
}

// NewShellCommand creates the interactive shell command.
func NewShellCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShellOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive session",
		Long: `Start one coordinator and read commands from stdin, one per line.

The persisted session is restored on start. With --follow every published
state is printed as it happens, including changes written by other
processes to the same record store.

Example:
  authstate shell --follow
  echo "signin ada@example.com secret" | authstate shell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "print every published state")

	return cmd
}

func runShell(cmd *cobra.Command, opts *ShellOptions) error {
	env, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	env.out.status(env.app.Coordinator)

	if opts.Follow {
		unsubscribe := env.app.Coordinator.Subscribe(func(state authstate.CurrentUserState) {
			env.out.state("update: ", state)
		})
		defer unsubscribe()
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		name, args := fields[0], fields[1:]
		switch name {
		case "quit", "exit":
			return nil
		case "help":
			printHelp(env.out)
			continue
		}

		a, ok := findAction(name)
		if !ok {
			env.out.notice("unknown command %q, try help", name)
			continue
		}
		if !a.accepts(len(args)) {
			env.out.notice("usage: %s", a.use())
			continue
		}
		if err := a.exec(ctx, env, args); err != nil {
			env.out.failure(err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func printHelp(out *printer) {
	var b strings.Builder
	for _, a := range actions {
		fmt.Fprintf(&b, "  %-40s %s\n", a.use(), a.short)
	}
	fmt.Fprintf(&b, "  %-40s %s", "quit", "Leave the shell")
	out.notice("commands:\n%s", b.String())
}
