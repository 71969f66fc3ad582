package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"41.neocities.org/offline"
	"41.neocities.org/offline/internal/log"
	"41.neocities.org/offline/manifest"
	"41.neocities.org/offline/transport"
)

var (
	configPath string
	logLevel   string
	periodFlag int
)

var rootCmd = &cobra.Command{
	Use:          "keyset",
	Short:        "Inspect DRM init data of DASH manifests",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().IntVar(&periodFlag, "period", 0, "Period index")

	rootCmd.AddCommand(initDataCmd)
	rootCmd.AddCommand(representationsCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadPeriod reads the manifest at uri and returns the selected period
// together with a resolver for its init data.
func loadPeriod(ctx context.Context, cmd *cobra.Command, uri string) (*manifest.Period, *manifest.Resolver, error) {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log.Configure(log.Config{Level: level, Output: cmd.ErrOrStderr()})

	var policy transport.Policy
	if cfg.LogRequests {
		policy = transport.LogAll
	}
	factory := transport.NewHTTPFactory(cfg.UserAgent, policy)
	factory.Timeout = cfg.OperationTimeout
	factory.HTTP1Only = cfg.HTTP1Only
	ds := factory.NewDataSource()
	defer ds.Close()

	m, err := manifest.Load(ctx, ds, uri)
	if err != nil {
		return nil, nil, err
	}
	p, ok := m.Period(periodFlag)
	if !ok {
		return nil, nil, errNoPeriod(periodFlag, len(m.Periods))
	}
	return p, manifest.NewResolver(factory, manifest.WithFetchTimeout(cfg.OperationTimeout)), nil
}

func errNoPeriod(index, count int) error {
	return fmt.Errorf("period %d out of range, manifest has %d", index, count)
}
