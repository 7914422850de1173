package cli

import (
	"context"
	"strings"

	"github.com/goliatone/go-authstate"
	"github.com/spf13/cobra"
)

// action is a command available both as a subcommand and inside the shell.
type action struct {
	name    string
	args    string
	short   string
	minArgs int
	maxArgs int // -1 joins the remaining args into the last one
	// mutates actions print the settled state afterwards
	mutates bool
	run     func(ctx context.Context, env *session, args []string) error
}

var actions = []action{
	{
		name:    "register",
		args:    "<email> <password> [display name]",
		short:   "Create an account and sign in",
		minArgs: 2,
		maxArgs: -1,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			input := authstate.RegisterInput{Email: args[0], Password: args[1]}
			if len(args) > 2 {
				input.DisplayName = strings.Join(args[2:], " ")
			}
			return env.app.Service.Register(ctx, input)
		},
	},
	{
		name:    "signin",
		args:    "<email> <password>",
		short:   "Sign in with email and password",
		minArgs: 2,
		maxArgs: 2,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			return env.app.Service.SignIn(ctx, args[0], args[1])
		},
	},
	{
		name:    "signin-oidc",
		short:   "Sign in through the configured OpenID Connect provider",
		mutates: true,
		run: func(ctx context.Context, env *session, _ []string) error {
			flow, err := env.app.Federated(ctx, func(authURL string) error {
				env.out.notice("open this URL to continue: %s", authURL)
				return nil
			})
			if err != nil {
				return err
			}
			return env.app.Service.SignInWithProvider(ctx, flow)
		},
	},
	{
		name:    "signout",
		short:   "Sign out the current user",
		mutates: true,
		run: func(ctx context.Context, env *session, _ []string) error {
			return env.app.Service.SignOut(ctx)
		},
	},
	{
		name:    "profile",
		args:    "<display name>",
		short:   "Change the display name of the current user",
		minArgs: 1,
		maxArgs: -1,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			name := strings.Join(args, " ")
			return env.app.Service.UpdateProfile(ctx, authstate.ProfileUpdate{DisplayName: &name})
		},
	},
	{
		name:    "avatar",
		args:    "<url>",
		short:   "Change the avatar URL of the current user",
		minArgs: 1,
		maxArgs: 1,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			return env.app.Service.UpdateProfile(ctx, authstate.ProfileUpdate{AvatarURL: &args[0]})
		},
	},
	{
		name:    "reset",
		args:    "<email>",
		short:   "Request a password reset",
		minArgs: 1,
		maxArgs: 1,
		run: func(ctx context.Context, env *session, args []string) error {
			if err := env.app.Service.SendPasswordReset(ctx, args[0]); err != nil {
				return err
			}
			env.out.notice("password reset requested for %s", args[0])
			return nil
		},
	},
	{
		name:    "confirm-reset",
		args:    "<token> <password>",
		short:   "Set a new password with a reset token",
		minArgs: 2,
		maxArgs: 2,
		run: func(ctx context.Context, env *session, args []string) error {
			if err := env.app.Provider.ConfirmPasswordReset(ctx, args[0], args[1]); err != nil {
				return authstate.NormalizeError(err)
			}
			env.out.notice("password changed")
			return nil
		},
	},
	{
		name:    "ban",
		args:    "<subject id>",
		short:   "Ban a user, signing them out when they are current",
		minArgs: 1,
		maxArgs: 1,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			return env.app.Service.SetBanned(ctx, args[0], true)
		},
	},
	{
		name:    "unban",
		args:    "<subject id>",
		short:   "Lift a ban",
		minArgs: 1,
		maxArgs: 1,
		mutates: true,
		run: func(ctx context.Context, env *session, args []string) error {
			return env.app.Service.SetBanned(ctx, args[0], false)
		},
	},
	{
		name:  "whoami",
		short: "Print the current user state",
		run: func(_ context.Context, env *session, _ []string) error {
			env.out.status(env.app.Coordinator)
			return nil
		},
	},
}

func findAction(name string) (action, bool) {
	for _, a := range actions {
		if a.name == name {
			return a, true
		}
	}
	return action{}, false
}

func (a action) use() string {
	if a.args == "" {
		return a.name
	}
	return a.name + " " + a.args
}

func (a action) accepts(n int) bool {
	if n < a.minArgs {
		return false
	}
	return a.maxArgs < 0 || n <= a.maxArgs
}

// exec runs the action and, for mutations, prints the settled state.
func (a action) exec(ctx context.Context, env *session, args []string) error {
	if err := a.run(ctx, env, args); err != nil {
		return err
	}
	if !a.mutates {
		return nil
	}
	state, err := env.app.Settle(ctx)
	if err != nil {
		return err
	}
	env.out.state("state: ", state)
	return nil
}

func newActionCommand(opts *RootOptions, a action) *cobra.Command {
	args := cobra.RangeArgs(a.minArgs, a.maxArgs)
	if a.maxArgs < 0 {
		args = cobra.MinimumNArgs(a.minArgs)
	}

	return &cobra.Command{
		Use:   a.use(),
		Short: a.short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer env.close()

			if err := a.exec(cmd.Context(), env, args); err != nil {
				env.out.failure(err)
				return err
			}
			return nil
		},
	}
}
