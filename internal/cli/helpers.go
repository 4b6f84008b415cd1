package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dvcrn/dropbox-sdk/internal/request"
	"github.com/dvcrn/dropbox-sdk/internal/restclient"
)

// await starts an asynchronous call and blocks until its callback fires or
// ctx ends. A cancelled request delivers no callback, so ctx is the only
// way out in that case.
func await[T any](ctx context.Context, start func(done func(T, error)) (*request.Request, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	r, err := start(func(v T, err error) {
		ch <- result{v, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		r.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}

func restClient(cmd *cobra.Command, flags *GlobalFlags) (*restclient.Client, error) {
	a := fromContext(cmd.Context())
	if a == nil {
		return nil, errors.New("app not initialised")
	}
	return a.RestClient(flags.User)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEntries(w io.Writer, entries []restclient.Metadata) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		modified := ""
		if !e.Modified.IsZero() {
			modified = e.Modified.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", kind, e.Size, modified, e.Rev, e.Path)
	}
	return tw.Flush()
}

func printMetadata(cmd *cobra.Command, flags *GlobalFlags, meta *restclient.Metadata) error {
	if flags.JSON {
		return printJSON(cmd.OutOrStdout(), meta)
	}
	if meta == nil {
		return nil
	}
	return printEntries(cmd.OutOrStdout(), []restclient.Metadata{*meta})
}
