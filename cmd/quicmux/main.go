// Package main provides the CLI entry point for quicmux.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/config"
	"github.com/postalsys/quicmux/internal/health"
	"github.com/postalsys/quicmux/internal/logging"
	"github.com/postalsys/quicmux/internal/metrics"
	"github.com/postalsys/quicmux/internal/probe"
	"github.com/postalsys/quicmux/internal/protocol"
	"github.com/postalsys/quicmux/internal/session"
	"github.com/postalsys/quicmux/internal/socket"
	"github.com/postalsys/quicmux/internal/stats"
	"github.com/postalsys/quicmux/internal/token"
	"github.com/postalsys/quicmux/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quicmux",
		Short: "quicmux - QUIC connection ID demultiplexer",
		Long: `quicmux owns one UDP socket and routes QUIC datagrams to sessions
by destination connection ID.

It validates client addresses with stateless Retry tokens, answers
unsupported versions with Version Negotiation and retries transient
send failures before giving up.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the socket",
		Long:  "Bind the UDP socket and serve echo sessions with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./quicmux.yaml", "Path to configuration file (.yaml or .toml)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	sc, err := cfg.SocketConfig()
	if err != nil {
		return err
	}
	sc.Logger = logger

	s, err := socket.New(sc)
	if err != nil {
		return fmt.Errorf("failed to bind socket: %w", err)
	}

	if err := s.Listen(session.EchoFactory(logging.WithComponent(logger, "echo")), cfg.SessionSettings()); err != nil {
		s.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := s.ReceiveStart(); err != nil {
		s.Close()
		return fmt.Errorf("failed to start receiving: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegistry(reg)
	if err := metrics.Register(reg, s); err != nil {
		s.Close()
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	m.RecordStart(Version, s.LocalAddr().String(), time.Now())

	var hs *health.Server
	if cfg.Metrics.Enabled {
		hs = health.NewServer(health.ServerConfig{
			Address:      cfg.Metrics.Address,
			ReadTimeout:  cfg.Metrics.ReadTimeout,
			WriteTimeout: cfg.Metrics.WriteTimeout,
			Gatherer:     reg,
			Pprof:        cfg.Metrics.Pprof,
		}, s)
		if err := hs.Start(); err != nil {
			s.Close()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info("metrics server started", logging.KeyLocalAddr, hs.Address().String())
	}

	fmt.Fprintf(out, "quicmux listening on udp://%s (validation: %v)\n", s.LocalAddr(), sc.ValidateAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case sig := <-sigCh:
		fmt.Fprintf(out, "\nReceived signal %v, shutting down...\n", sig)
	case <-s.Done():
		logger.Error("socket stopped", logging.KeyError, s.Err())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if hs != nil {
		if err := hs.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", logging.KeyError, err)
		}
	}

	start := time.Now()
	shutdownErr := s.Shutdown(shutdownCtx)
	m.RecordStop(time.Since(start))

	printStats(out, s.Stats())

	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	if err := s.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Socket closed.")
	return nil
}

func printStats(out io.Writer, snap stats.Snapshot) {
	fmt.Fprintf(out, "Uptime:      %s\n", time.Since(snap.CreatedAt).Round(time.Second))
	fmt.Fprintf(out, "Received:    %s packets, %s\n", humanize.Comma(int64(snap.PacketsReceived)), humanize.IBytes(snap.BytesReceived))
	fmt.Fprintf(out, "Sent:        %s packets, %s\n", humanize.Comma(int64(snap.PacketsSent)), humanize.IBytes(snap.BytesSent))
	fmt.Fprintf(out, "Dropped:     %s\n", humanize.Comma(int64(snap.PacketsDropped)))
	fmt.Fprintf(out, "Sessions:    %s server, %s client\n", humanize.Comma(int64(snap.ServerSessions)), humanize.Comma(int64(snap.ClientSessions)))
	fmt.Fprintf(out, "Retries:     %s\n", humanize.Comma(int64(snap.RetriesSent)))
	fmt.Fprintf(out, "VN:          %s\n", humanize.Comma(int64(snap.VersionNegotiationsSent)))
	fmt.Fprintf(out, "Retransmits: %s\n", humanize.Comma(int64(snap.RetransmitCount)))
	fmt.Fprintf(out, "Send fails:  %s\n", humanize.Comma(int64(snap.SendFailures)))
}

func probeCmd() *cobra.Command {
	var (
		version string
		size    int
		timeout time.Duration
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Send a client Initial and report the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, ok := protocol.ParseVersion(version)
			if !ok {
				return fmt.Errorf("unknown version %q", version)
			}

			result := probe.Probe(cmd.Context(), probe.Options{
				Address:     args[0],
				Version:     v,
				Size:        size,
				Timeout:     timeout,
				FollowRetry: follow,
			})

			out := cmd.OutOrStdout()
			if !result.Success {
				fmt.Fprintf(out, "FAILED  %s: %s\n", result.Address, result.ErrorDetail)
				return result.Error
			}

			fmt.Fprintf(out, "OK      %s: %s in %s\n", result.Address, result.Outcome, result.RTT.Round(time.Microsecond))
			switch result.Outcome {
			case probe.OutcomeRetry:
				fmt.Fprintf(out, "        retry scid=%s token=%d bytes\n", result.RetrySCID, result.TokenLen)
				if follow {
					fmt.Fprintf(out, "        after retry: %s\n", result.Followed)
				}
			case probe.OutcomeVersionNegotiation:
				fmt.Fprintf(out, "        versions: %v\n", result.Versions)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "quic-version", "v1", "QUIC version of the Initial (v1, v2)")
	cmd.Flags().IntVar(&size, "size", protocol.MinInitialDatagramSize, "Initial datagram size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	cmd.Flags().BoolVar(&follow, "follow-retry", true, "Resend with the token from a Retry")

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or verify Retry tokens",
	}

	var (
		secretHex string
		addr      string
		validity  time.Duration
	)

	engine := func() (*token.Engine, netip.AddrPort, error) {
		secret, err := hex.DecodeString(secretHex)
		if err != nil || len(secret) == 0 {
			return nil, netip.AddrPort{}, errors.New("--secret must be non-empty hex")
		}
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			return nil, netip.AddrPort{}, fmt.Errorf("--addr: %w", err)
		}
		return token.New(secret, validity), ap, nil
	}

	var odcidHex string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for a client address and original DCID",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ap, err := engine()
			if err != nil {
				return err
			}
			odcid, err := cid.Parse(odcidHex)
			if err != nil {
				return fmt.Errorf("--odcid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(e.Issue(ap, odcid, time.Now())))
			return nil
		},
	}
	issue.Flags().StringVar(&odcidHex, "odcid", "", "Original destination connection ID (hex)")

	verify := &cobra.Command{
		Use:   "verify <token-hex>",
		Short: "Verify a token and print the original DCID it carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ap, err := engine()
			if err != nil {
				return err
			}
			tok, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("token is not hex: %w", err)
			}
			odcid, err := e.Verify(tok, ap, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid, odcid=%s\n", odcid)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&secretHex, "secret", "", "Token secret (hex)")
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Client address (ip:port)")
	cmd.PersistentFlags().DurationVar(&validity, "validity", token.DefaultValidity, "Token validity window")

	cmd.AddCommand(issue, verify)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quicmux %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "QUIC versions: %v\n", protocol.KnownVersions)
		},
	}
}
