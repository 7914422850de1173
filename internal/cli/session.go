package cli

import (
	"context"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-authstate/internal/app"
	"github.com/goliatone/go-authstate/internal/config"
	"github.com/goliatone/go-authstate/provider/local"
	"github.com/goliatone/go-logger/glog"
	"github.com/spf13/cobra"
)

// session is a started App plus the printer commands write to.
type session struct {
	app *app.App
	out *printer
}

type baseLoggers struct {
	base *glog.BaseLogger
}

func (l baseLoggers) GetLogger(name string) authstate.Logger {
	return l.base.GetLogger(name)
}

func newLoggers(verbose bool) authstate.LoggerProvider {
	level := glog.Info
	if verbose {
		level = glog.Trace
	}
	return baseLoggers{base: glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(level),
		glog.WithName("authstate"),
		glog.WithAddSource(false),
	)}
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	return config.Load(opts.EnvFile, opts.ConfigFile)
}

// openSession loads the configuration, builds the App and waits until the
// first user state is resolved.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, newLoggers(opts.Verbose))
	if err != nil {
		return nil, err
	}

	env := &session{app: a, out: newPrinter(cmd.OutOrStdout(), opts.Format)}
	a.Provider.WithResetSender(local.ResetSenderFunc(func(_ context.Context, email, token string) error {
		env.out.notice("password reset token for %s: %s", email, token)
		return nil
	}))

	if _, err := a.Start(ctx); err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.app.Close(ctx)
}

// NewMigrateCommand applies the embedded migrations and exits.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, newLoggers(opts.Verbose))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			newPrinter(cmd.OutOrStdout(), opts.Format).notice("migrations applied to %s", cfg.Database.DSN)
			return nil
		},
	}
}
