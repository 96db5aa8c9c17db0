package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sofatutor/logshipper/internal/config"
	"github.com/sofatutor/logshipper/internal/logging"
	"github.com/sofatutor/logshipper/internal/region"
	"github.com/sofatutor/logshipper/internal/sender"
)

func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List region codes and their endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGION\tLOGS\tTIME")
			for _, code := range region.Codes() {
				ep, err := region.Resolve(code)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", ep.Region, ep.LogURL, ep.TimeURL)
			}
			return w.Flush()
		},
	}
}

var errTimeSync = errors.New("time sync failed")

func newTimeCmd() *cobra.Command {
	conn := &connectionFlags{}
	cmd := &cobra.Command{
		Use:   "time",
		Short: "Query the collector clock and print the local offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := conn.load(cmd)
			if err != nil {
				return err
			}
			ep, err := endpointsFor(cfg)
			if err != nil {
				return err
			}
			logger, err := logging.NewDebugLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile)
			if err != nil {
				return fmt.Errorf("failed to initialize debug logger: %w", err)
			}
			snd, err := sender.New(sender.Options{
				TimeURL:    ep.TimeURL,
				LogURL:     ep.LogURL,
				PrivateKey: cfg.PrivateKey,
				Timeout:    cfg.HTTPTimeout,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			ok, delta := snd.SyncTime(cmd.Context())
			if !ok {
				return fmt.Errorf("%w: %s", errTimeSync, ep.TimeURL)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s delta_ms=%.1f\n", ep.TimeURL, delta)
			return nil
		},
	}
	conn.register(cmd.Flags())
	return cmd
}

func endpointsFor(cfg *config.Config) (region.Endpoints, error) {
	if strings.TrimSpace(cfg.IngressURL) != "" {
		return region.ForBaseURL(cfg.IngressURL), nil
	}
	return region.Resolve(cfg.Region)
}
