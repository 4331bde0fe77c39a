package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"batchlog/internal/app"
	"batchlog/internal/config"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

type queryFlags struct {
	dest     string
	minLevel string
	since    string
	until    string
	limit    int
	timeout  time.Duration
}

func newQueryCmd(cfgPath *string) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print archived batches as JSON lines",
		Long: "Print batches archived by store destinations, oldest first.\n" +
			"--since and --until take an RFC 3339 time or a duration back from now (e.g. 2h).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			q, err := f.query(time.Now())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			return runQuery(ctx, cmd.OutOrStdout(), cfg, q)
		},
	}
	cmd.Flags().StringVar(&f.dest, "dest", "", "only batches of this destination")
	cmd.Flags().StringVar(&f.minLevel, "min-level", "", "only batches whose highest level is at least this")
	cmd.Flags().StringVar(&f.since, "since", "", "only batches flushed at or after this time")
	cmd.Flags().StringVar(&f.until, "until", "", "only batches flushed before this time")
	cmd.Flags().IntVar(&f.limit, "limit", 100, "maximum number of batches (0 for all)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "query timeout")
	return cmd
}

func (f queryFlags) query(now time.Time) (storage.Query, error) {
	q := storage.Query{Destination: f.dest, MinLevel: f.minLevel, Limit: f.limit}
	var err error
	if q.Since, err = parseWhen("--since", f.since, now); err != nil {
		return q, err
	}
	if q.Until, err = parseWhen("--until", f.until, now); err != nil {
		return q, err
	}
	return q, nil
}

func parseWhen(flag, raw string, now time.Time) (time.Time, error) {
	t, err := storage.ParseWhen(raw, now)
	if err != nil {
		return t, fmt.Errorf("%s: %w", flag, err)
	}
	return t, nil
}

func runQuery(ctx context.Context, w io.Writer, cfg *config.Config, q storage.Query) error {
	st, err := app.OpenArchive(cfg, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.QueryBatches(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
