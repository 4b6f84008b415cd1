package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dvcrn/dropbox-sdk/internal/request"
	"github.com/dvcrn/dropbox-sdk/internal/restclient"
)

func newAccountCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show account details and quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			info, err := await(ctx, func(done func(*restclient.AccountInfo, error)) (*request.Request, error) {
				return rc.LoadAccountInfo(ctx, done)
			})
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), info)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "User ID:\t%s\n", info.UserID())
			fmt.Fprintf(tw, "Name:\t%s\n", info.DisplayName)
			if info.Email != "" {
				fmt.Fprintf(tw, "Email:\t%s\n", info.Email)
			}
			fmt.Fprintf(tw, "Country:\t%s\n", info.Country)
			used := info.Quota.Normal + info.Quota.Shared
			fmt.Fprintf(tw, "Quota:\t%d of %d bytes used\n", used, info.Quota.Quota)
			return tw.Flush()
		},
	}
}

func newSearchCmd(flags *GlobalFlags) *cobra.Command {
	var under string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search file and folder names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.ListFunc) (*request.Request, error) {
				return rc.Search(ctx, under, args[0], done)
			})
		},
	}

	cmd.Flags().StringVar(&under, "path", "/", "Folder to search under")
	return cmd
}

func newShareCmd(flags *GlobalFlags) *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Create a shareable link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			link, err := await(ctx, func(done func(*restclient.Link, error)) (*request.Request, error) {
				if stream {
					return rc.LoadStreamableURL(ctx, args[0], done)
				}
				return rc.LoadShareableLink(ctx, args[0], done)
			})
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), link)
			}
			fmt.Fprintln(cmd.OutOrStdout(), link.URL)
			if !link.Expires.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "expires %s\n", link.Expires.Format(restclient.TimeFormat))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "Direct, expiring media URL instead of a preview link")
	return cmd
}
