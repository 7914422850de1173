package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json"
	EnvFile    string
	ConfigFile string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the authstate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "authstate",
		Short: "Track the signed in user and its profile record",
		Long: `authstate keeps the current user state in sync with the identity
provider session and the stored user record.

Every command prints the resulting state. The shell command keeps one
coordinator running and accepts the same commands interactively.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading AUTHSTATE_* variables")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "optional config file (yaml, json or toml)")

	cmd.AddCommand(NewShellCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	for _, a := range actions {
		cmd.AddCommand(newActionCommand(opts, a))
	}

	return cmd
}
