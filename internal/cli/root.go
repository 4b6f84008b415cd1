// Package cli implements the dbsdk command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvcrn/dropbox-sdk/internal/app"
	"github.com/dvcrn/dropbox-sdk/internal/config"
	"github.com/dvcrn/dropbox-sdk/internal/logger"
)

// GlobalFlags holds values for the persistent flags.
type GlobalFlags struct {
	ConfigPath  string
	Root        string
	Credentials string
	Concurrency int
	User        string
	JSON        bool
	Verbose     int
}

type contextKey string

const appKey contextKey = "app"

func withApp(ctx context.Context, a *app.App) context.Context {
	return context.WithValue(ctx, appKey, a)
}

func fromContext(ctx context.Context) *app.App {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(appKey).(*app.App)
	return a
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	var flags GlobalFlags

	cmd := &cobra.Command{
		Use:           "dbsdk",
		Short:         "Command-line client for the Dropbox v1 API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			if p := cmd.Parent(); cmd.Name() == "completion" || (p != nil && p.Name() == "completion") {
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				ConfigPath:  flags.ConfigPath,
				Root:        flags.Root,
				Credentials: flags.Credentials,
				Concurrency: flags.Concurrency,
			})
			if err != nil {
				return err
			}

			log := logger.New(logger.WithOutput(cmd.ErrOrStderr()), logger.WithLevel(levelFor(flags.Verbose)))
			a, err := app.New(cmd.Context(), cfg, log, opts...)
			if err != nil {
				return err
			}
			cmd.SetContext(withApp(cmd.Context(), a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/dbsdk/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.Root, "root", "", "Path root: dropbox or sandbox")
	cmd.PersistentFlags().StringVar(&flags.Credentials, "credentials", "", "Credential backend: file, keyring, env or memory")
	cmd.PersistentFlags().IntVar(&flags.Concurrency, "concurrency", 0, "Maximum concurrent requests")
	cmd.PersistentFlags().StringVarP(&flags.User, "user", "u", "", "Linked account to act as")
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose logging (-v info, -vv debug)")

	cmd.AddCommand(
		newLinkCmd(),
		newUnlinkCmd(),
		newAccountsCmd(&flags),
		newAccountCmd(&flags),
		newLsCmd(&flags),
		newGetCmd(&flags),
		newPutCmd(&flags),
		newMkdirCmd(&flags),
		newRmCmd(&flags),
		newMvCmd(&flags),
		newCpCmd(&flags),
		newRevisionsCmd(&flags),
		newRestoreCmd(&flags),
		newDeltaCmd(&flags),
		newThumbCmd(&flags),
		newSearchCmd(&flags),
		newShareCmd(&flags),
	)
	return cmd
}

func levelFor(verbose int) zerolog.Level {
	switch {
	case verbose >= 2:
		return zerolog.DebugLevel
	case verbose == 1:
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// Run executes args and releases the app afterwards.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...app.Option) error {
	cmd := NewRootCmd(opts...)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	executed, err := cmd.ExecuteContextC(ctx)
	if executed != nil {
		if a := fromContext(executed.Context()); a != nil {
			a.Close()
		}
	}
	return err
}

// Execute runs the CLI with the process arguments.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
