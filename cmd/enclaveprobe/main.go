// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/enclavenet/client"
	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/core/retry"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/cli"
	"github.com/katzenpost/enclavenet/internal/instrument"
)

// Config holds the command line configuration.
type Config struct {
	ConfigFile  string
	LogLevel    string
	MetricsAddr string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "enclaveprobe",
		Short: "Attested enclave connectivity probe",
		Long: `A diagnostic tool for attested enclave endpoints.

It resolves endpoint hosts, shows the routes a connection would race, and
connects and attests an endpoint, printing what was negotiated.`,
		Example: `  # Show how an endpoint would be reached
  enclaveprobe -c client.toml routes svr

  # Connect and attest, retrying transient failures
  enclaveprobe -c client.toml connect svr --retries 3`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(
		newResolveCommand(&cfg),
		newRoutesCommand(&cfg),
		newConnectCommand(&cfg),
	)
	return cmd
}

func newClient(cfg *Config) (*client.Client, error) {
	if cfg.ConfigFile == "" {
		return nil, errors.New("config file must be specified")
	}
	ccfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		ccfg.Logging.Level = cfg.LogLevel
	}
	c, err := client.New(ccfg)
	if err != nil {
		return nil, err
	}
	backend := c.LogBackend()
	log := c.GetLogger("enclaveprobe")

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			log.Notice("Received SIGHUP, reopening log file.")
			if err := backend.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "log: %v\n", err)
			}
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:     cfg.MetricsAddr,
			Handler:  instrument.Handler(),
			ErrorLog: stdlog.New(backend.GetLogWriter("metrics", "ERROR"), "", 0),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Errorf("Metrics server: %v", err)
			}
		}()
	}
	return c, nil
}

func newResolveCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve HOST",
		Short: "Resolve a hostname the way connections do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			set, err := c.Resolver().Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %v (%v)\n", cli.InfoStyle.Render(set.Host), len(set.Addrs), set.Source)
			for _, ip := range set.Addrs {
				fmt.Printf("  %v\n", ip)
			}
			return nil
		},
	}
}

func newRoutesCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "routes ENDPOINT",
		Short: "List the routes of an endpoint by tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			tiers, err := c.Routes(args[0])
			if err != nil {
				return err
			}
			for i, tier := range tiers {
				fmt.Println(cli.InfoStyle.Render(fmt.Sprintf("tier %d", i)))
				for _, r := range tier {
					fmt.Printf("  %v\n", r)
				}
			}
			return nil
		},
	}
}

func newConnectCommand(cfg *Config) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "connect ENDPOINT",
		Short: "Connect to and attest an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return connect(ctx, c, args[0], retries)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry retryable failures up to this many times")
	return cmd
}

func connect(ctx context.Context, c *client.Client, name string, retries int) error {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = retries + 1
	for attempt := 0; ; attempt++ {
		start := time.Now()
		ch, err := c.Connect(ctx, name)
		if err == nil {
			defer ch.Close()
			info := ch.Info()
			fmt.Printf("%s %v in %v\n", cli.OKStyle.Render("attested"), name, time.Since(start).Round(time.Millisecond))
			fmt.Printf("  measurement  %v\n", ch.Measurement())
			fmt.Printf("  route        %v\n", info.Route)
			fmt.Printf("  transport    %v\n", info.Transport())
			fmt.Printf("  remote       %v\n", info.RemoteAddr)
			if info.TLS {
				fmt.Printf("  tls          %v %v (%v)\n", tls.VersionName(info.TLSVersion), tls.CipherSuiteName(info.CipherSuite), info.ServerName)
			}
			fmt.Printf("  stream       %v\n", info.ID)
			return nil
		}

		kind := failure.KindOf(err)
		fmt.Printf("%s %v: %v\n", cli.FailStyle.Render(kind.String()), name, err)
		delay, ok := policy.Next(err, attempt)
		if !ok {
			return err
		}
		fmt.Printf("retrying in %v\n", delay.Round(time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func main() {
	cli.ExecuteWithFang(newRootCommand())
}
