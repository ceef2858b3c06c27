package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/go-i2p/go-connpool/config"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

const configFlag = "config"

// NewCommand returns the connpool root command
func NewCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "connpool",
		Short: "Probe and check backends through a bounded connection pool",
		Long: `connpool builds a connection pool from a YAML or TOML config file and
environment variables (DB_HOST, DB_PORT, DB_USER, DB_PASS, DB_NAME,
POOL_SIZE, POOL_MAX_OVERFLOW, POOL_TIMEOUT, POOL_RECYCLE, METRICS_ADDR)
and exercises it against the configured backend.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP(configFlag, "c", "", "Path to a .yaml, .yml or .toml config file")

	rootCmd.AddCommand(newProbeCommand(), newCheckCommand(), newVersionCommand())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.File, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "connpool %s\n", Version)
		},
	}
}

func newCheckCommand() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check out and return one connection",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	checkCmd.Flags().Duration("timeout", 30*time.Second, "Overall time allowed for the check")
	return checkCmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	p, err := cfg.NewPool()
	if err != nil {
		return err
	}
	defer p.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := p.Check(ctx); err != nil {
		log.WithError(err).WithField("pool", p.Name()).Error("backend check failed")
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", p.Name(), cfg.Backend.String())
	return nil
}

func printStats(w io.Writer, s connpool.Stats) {
	fmt.Fprintf(w, "pool:           %s\n", s.Name)
	fmt.Fprintf(w, "open/max:       %d/%d (core %d)\n", s.Active, s.MaxOpen, s.CoreSize)
	fmt.Fprintf(w, "idle/in use:    %d/%d\n", s.Idle, s.InUse)
	fmt.Fprintf(w, "checkouts:      %d\n", s.Checkouts)
	fmt.Fprintf(w, "timeouts:       %d\n", s.Timeouts)
	fmt.Fprintf(w, "created:        %d (failed %d)\n", s.Created, s.CreateFailed)
	fmt.Fprintf(w, "destroyed:      %d (recycled %d, shed %d)\n", s.Destroyed, s.Recycled, s.OverflowShed)
	fmt.Fprintf(w, "waits:          %d (%s total)\n", s.WaitCount, s.WaitDuration.Round(time.Millisecond))
}
