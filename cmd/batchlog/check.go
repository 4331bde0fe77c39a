package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"batchlog/internal/app"
	"batchlog/internal/config"
)

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective destination policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), cfg)
		},
	}
}

func printPlan(w io.Writer, cfg *config.Config) error {
	plans, drain, err := app.Plan(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEST\tTYPE\tMIN LEVEL\tLOGGERS\tIDLE\tMAX WAIT\tCOOLDOWN\tTHROTTLE")
	for _, p := range plans {
		key := p.Key
		if p.Disabled {
			key += " (disabled)"
		}
		loggers := "*"
		if len(p.Loggers) > 0 {
			loggers = strings.Join(p.Loggers, ",")
		}
		throttle := "-"
		if t := p.Batch.Throttle; t != nil {
			steps := make([]string, 0, len(t.Ladder()))
			for _, d := range t.Ladder() {
				steps = append(steps, d.String())
			}
			throttle = strings.Join(steps, ">")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			key, p.Type, p.MinLevel, loggers,
			p.Batch.IdleThreshold, p.Batch.MaximumWaitTime, p.Batch.CooldownTime, throttle)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%d destination(s); drain timeout %s, parallelism %d\n", len(plans), drain.Timeout, drain.Parallelism)
	return err
}
