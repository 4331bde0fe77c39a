package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
)

const envPrefix = "BATCHLOG_"

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "batchlog",
		Short:         "Group bursts of log events and deliver them as batches",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(cmd.Flags(), os.LookupEnv)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./batchlog.yaml", "path to config file (json, yaml or toml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		newQueryCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// applyEnv sets every flag not given on the command line from its
// BATCHLOG_<NAME> variable, e.g. BATCHLOG_STOP_TIMEOUT for --stop-timeout.
func applyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := lookup(name); ok {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
