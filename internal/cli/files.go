package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dvcrn/dropbox-sdk/internal/request"
	"github.com/dvcrn/dropbox-sdk/internal/restclient"
)

type fileResult struct {
	contentType string
	meta        *restclient.Metadata
}

type metadataResult struct {
	meta    *restclient.Metadata
	changed bool
}

func newLsCmd(flags *GlobalFlags) *cobra.Command {
	var hash string
	var rev string

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder or show a file's metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}

			ctx := cmd.Context()
			res, err := await(ctx, func(done func(metadataResult, error)) (*request.Request, error) {
				cb := func(meta *restclient.Metadata, changed bool, err error) {
					done(metadataResult{meta, changed}, err)
				}
				if rev != "" {
					return rc.LoadMetadataAtRev(ctx, p, rev, cb)
				}
				return rc.LoadMetadata(ctx, p, hash, cb)
			})
			if err != nil {
				return err
			}
			if res.meta == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is unchanged\n", p)
				return nil
			}

			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), res.meta)
			}
			if res.meta.IsDir {
				return printEntries(cmd.OutOrStdout(), res.meta.Contents)
			}
			return printEntries(cmd.OutOrStdout(), []restclient.Metadata{*res.meta})
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "Folder hash from a previous listing; prints nothing new if unchanged")
	cmd.Flags().StringVar(&rev, "rev", "", "Show metadata as of this revision")
	return cmd
}

func newGetCmd(flags *GlobalFlags) *cobra.Command {
	var outDir string
	var rev string

	cmd := &cobra.Command{
		Use:   "get <path>...",
		Short: "Download files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rev != "" && len(args) > 1 {
				return errors.New("--rev needs exactly one path")
			}
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			for _, remote := range args {
				dest := filepath.Join(outDir, path.Base(remote))
				g.Go(func() error {
					res, err := await(ctx, func(done func(fileResult, error)) (*request.Request, error) {
						return rc.LoadFile(ctx, remote, rev, dest, nil, func(contentType string, meta *restclient.Metadata, err error) {
							done(fileResult{contentType, meta}, err)
						})
					})
					if err != nil {
						return fmt.Errorf("get %s: %w", remote, err)
					}
					size := ""
					if res.meta != nil {
						size = res.meta.Size
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", remote, dest, size)
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "Directory to download into")
	cmd.Flags().StringVar(&rev, "rev", "", "Download this revision")
	return cmd
}

func newPutCmd(flags *GlobalFlags) *cobra.Command {
	var parentRev string

	cmd := &cobra.Command{
		Use:   "put <local-file> [remote-dir]",
		Short: "Upload a file",
		Long: `Upload a file without overwriting.

When the remote file changed since --parent-rev, Dropbox stores the
upload under a new name.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			local := args[0]
			if _, err := os.Stat(local); err != nil {
				return err
			}
			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}

			ctx := cmd.Context()
			meta, err := await(ctx, func(done func(*restclient.Metadata, error)) (*request.Request, error) {
				return rc.UploadFile(ctx, filepath.Base(local), dir, parentRev, local, nil, done)
			})
			if err != nil {
				return err
			}
			return printMetadata(cmd, flags, meta)
		},
	}

	cmd.Flags().StringVar(&parentRev, "parent-rev", "", "Revision the local copy is based on")
	return cmd
}

func newMkdirCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return metadataCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.MetadataFunc) (*request.Request, error) {
				return rc.CreateFolder(ctx, args[0], done)
			})
		},
	}
}

func newRmCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete files or folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, p := range args {
				_, err := await(ctx, func(done func(struct{}, error)) (*request.Request, error) {
					return rc.DeletePath(ctx, p, func(err error) { done(struct{}{}, err) })
				})
				if err != nil {
					return fmt.Errorf("rm %s: %w", p, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", p)
			}
			return nil
		},
	}
}

func newMvCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move or rename",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return metadataCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.MetadataFunc) (*request.Request, error) {
				return rc.Move(ctx, args[0], args[1], done)
			})
		},
	}
}

func newCpCmd(flags *GlobalFlags) *cobra.Command {
	var fromRef bool
	var makeRef bool

	cmd := &cobra.Command{
		Use:   "cp <from> [to]",
		Short: "Copy a file or folder",
		Long: `Copy a file or folder.

With --ref, prints a copy reference for <from> that another account can
paste with --from-ref.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if makeRef {
				rc, err := restClient(cmd, flags)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				ref, err := await(ctx, func(done func(*restclient.CopyRef, error)) (*request.Request, error) {
					return rc.CreateCopyRef(ctx, args[0], done)
				})
				if err != nil {
					return err
				}
				if flags.JSON {
					return printJSON(cmd.OutOrStdout(), ref)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ref.CopyRef)
				return nil
			}

			if len(args) != 2 {
				return errors.New("cp needs <from> and <to>")
			}
			return metadataCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.MetadataFunc) (*request.Request, error) {
				if fromRef {
					return rc.CopyFromRef(ctx, args[0], args[1], done)
				}
				return rc.Copy(ctx, args[0], args[1], done)
			})
		},
	}

	cmd.Flags().BoolVar(&fromRef, "from-ref", false, "Treat <from> as a copy reference")
	cmd.Flags().BoolVar(&makeRef, "ref", false, "Create a copy reference for <from>")
	cmd.MarkFlagsMutuallyExclusive("from-ref", "ref")
	return cmd
}

func newRevisionsCmd(flags *GlobalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "revisions <path>",
		Short: "List past revisions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.ListFunc) (*request.Request, error) {
				return rc.LoadRevisions(ctx, args[0], limit, done)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", restclient.DefaultRevisionLimit, "Maximum revisions to list")
	return cmd
}

func newRestoreCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path> <rev>",
		Short: "Restore a file to a past revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return metadataCommand(cmd, flags, func(ctx context.Context, rc *restclient.Client, done restclient.MetadataFunc) (*request.Request, error) {
				return rc.RestoreFile(ctx, args[0], args[1], done)
			})
		},
	}
}

func newDeltaCmd(flags *GlobalFlags) *cobra.Command {
	var cursor string
	var all bool

	cmd := &cobra.Command{
		Use:   "delta",
		Short: "List changes since a cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for {
				page, err := await(ctx, func(done func(*restclient.Delta, error)) (*request.Request, error) {
					return rc.LoadDelta(ctx, cursor, done)
				})
				if err != nil {
					return err
				}
				if flags.JSON {
					if err := printJSON(out, page); err != nil {
						return err
					}
				} else {
					if page.Reset {
						fmt.Fprintln(out, "reset")
					}
					for _, e := range page.Entries {
						if e.Metadata == nil {
							fmt.Fprintf(out, "- %s\n", e.Path)
						} else {
							fmt.Fprintf(out, "+ %s\n", e.Metadata.Path)
						}
					}
				}
				cursor = page.Cursor
				if !all || !page.HasMore {
					break
				}
			}
			if !flags.JSON {
				fmt.Fprintf(out, "cursor: %s\n", cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor from a previous call")
	cmd.Flags().BoolVar(&all, "all", false, "Keep paging while more changes are available")
	return cmd
}

func newThumbCmd(flags *GlobalFlags) *cobra.Command {
	var size string

	cmd := &cobra.Command{
		Use:   "thumb <path> <dest>",
		Short: "Download a JPEG thumbnail of an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := restClient(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			_, err = await(ctx, func(done func(fileResult, error)) (*request.Request, error) {
				return rc.LoadThumbnail(ctx, args[0], size, args[1], func(contentType string, meta *restclient.Metadata, err error) {
					done(fileResult{contentType, meta}, err)
				})
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&size, "size", restclient.ThumbnailSmall, "small, medium or large")
	return cmd
}

func metadataCommand(cmd *cobra.Command, flags *GlobalFlags, call func(context.Context, *restclient.Client, restclient.MetadataFunc) (*request.Request, error)) error {
	rc, err := restClient(cmd, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	meta, err := await(ctx, func(done func(*restclient.Metadata, error)) (*request.Request, error) {
		return call(ctx, rc, done)
	})
	if err != nil {
		return err
	}
	return printMetadata(cmd, flags, meta)
}

func listCommand(cmd *cobra.Command, flags *GlobalFlags, call func(context.Context, *restclient.Client, restclient.ListFunc) (*request.Request, error)) error {
	rc, err := restClient(cmd, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	entries, err := await(ctx, func(done func([]restclient.Metadata, error)) (*request.Request, error) {
		return call(ctx, rc, done)
	})
	if err != nil {
		return err
	}
	if flags.JSON {
		if entries == nil {
			entries = []restclient.Metadata{}
		}
		return printJSON(cmd.OutOrStdout(), entries)
	}
	return printEntries(cmd.OutOrStdout(), entries)
}
