package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvcrn/dropbox-sdk/internal/app"
	"github.com/dvcrn/dropbox-sdk/internal/server"
)

func newLinkCmd() *cobra.Command {
	var addr string
	var noBrowser bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a Dropbox account",
		Long: `Link a Dropbox account through the OAuth 1.0 handshake.

Starts a local callback server, opens the authorization page and waits
until Dropbox redirects back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromContext(cmd.Context())
			if addr == "" {
				addr = a.Config.CallbackAddr
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			callbackURL := app.CallbackURL(ln.Addr().String())

			var browser func(string) error
			if !noBrowser {
				browser = app.OpenBrowser
			}
			linker := a.NewLinker(callbackURL, browser)

			srv := &http.Server{
				Handler:           server.New(a.Logger, linker, server.WithAdminKey(a.Config.AdminAPIKey)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.Logger.Error().Err(err).Msg("❌ Callback server stopped")
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			authURL, err := linker.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to link your Dropbox account:\n\n  %s\n\n", authURL)

			userID, err := linker.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Linked account %s\n", userID)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Callback listen address (default from config)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL without opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for authorization")
	return cmd
}

func newUnlinkCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "unlink [user-id...]",
		Short: "Forget linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromContext(cmd.Context())
			if all {
				return a.Session.UnlinkAll()
			}
			if len(args) == 0 {
				return errors.New("give at least one user id, or --all")
			}
			var errs []error
			for _, id := range args {
				if err := a.Unlink(id); err != nil {
					errs = append(errs, fmt.Errorf("unlink %s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s\n", id)
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Unlink every account")
	return cmd
}

func newAccountsCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List linked accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromContext(cmd.Context())
			ids := a.Session.UserIDs()
			if flags.JSON {
				if ids == nil {
					ids = []string{}
				}
				return printJSON(cmd.OutOrStdout(), map[string][]string{"accounts": ids})
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
