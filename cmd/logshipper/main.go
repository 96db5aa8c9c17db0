package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sofatutor/logshipper/internal/config"
)

// For testing
var osExit = os.Exit

// connectionFlags are shared by every command that talks to a collector.
type connectionFlags struct {
	configPath string
	envFile    string
	privateKey string
	appName    string
	subsystem  string
	region     string
	ingressURL string
	syncTime   bool
	compress   bool
	debug      bool
}

func (f *connectionFlags) register(set *pflag.FlagSet) {
	set.StringVar(&f.configPath, "config", "", "Path to a YAML configuration file")
	set.StringVar(&f.envFile, "env", ".env", "Path to .env file")
	set.StringVar(&f.privateKey, "private-key", "", "Private key (overrides "+config.EnvPrivateKey+")")
	set.StringVar(&f.appName, "app", "", "Application name")
	set.StringVar(&f.subsystem, "subsystem", "", "Subsystem name")
	set.StringVar(&f.region, "region", "", "Region code (overrides "+config.EnvRegion+")")
	set.StringVar(&f.ingressURL, "ingress-url", "", "Custom collector base URL instead of a region")
	set.BoolVar(&f.syncTime, "sync-time", false, "Synchronize timestamps with the collector clock")
	set.BoolVar(&f.compress, "compress", false, "Gzip request bodies")
	set.BoolVar(&f.debug, "debug", false, "Print the shipper's internal diagnostics")
}

// load resolves the configuration: defaults, file, environment (including
// the .env file), then explicitly set flags.
func (f *connectionFlags) load(cmd *cobra.Command) (*config.Config, error) {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not load env file %s: %v\n", f.envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("private-key") {
		cfg.PrivateKey = f.privateKey
	}
	if flags.Changed("app") {
		cfg.ApplicationName = f.appName
	}
	if flags.Changed("subsystem") {
		cfg.SubsystemName = f.subsystem
	}
	if flags.Changed("region") {
		cfg.Region = f.region
	}
	if flags.Changed("ingress-url") {
		cfg.IngressURL = f.ingressURL
	}
	if flags.Changed("sync-time") {
		cfg.SyncTime = f.syncTime
	}
	if flags.Changed("compress") {
		cfg.Compress = f.compress
	}
	if flags.Changed("debug") {
		cfg.Debug = f.debug
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "logshipper",
		Short:         "Ship log lines to the collector",
		Long:          `Batch log lines from stdin and deliver them to the regional ingestion endpoint, or inspect regions and clock offsets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newShipCmd())
	root.AddCommand(newRegionsCmd())
	root.AddCommand(newTimeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}
