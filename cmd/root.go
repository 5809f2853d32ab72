package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/daemon"
	"github.com/baaaht/interbus/pkg/receiver"
	"github.com/baaaht/interbus/pkg/registry"
	"github.com/baaaht/interbus/pkg/sender"
	"github.com/baaaht/interbus/pkg/stock"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	backend     string
	servicePort int
	timeoutFlag time.Duration

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "interbus",
	Short: "Interbus - inter-process request/reply and event bus daemon",
	Long: `Interbus is a local IPC framework daemon. It answers the stock
administrative protocol (ping, shutdown, runtime stats, service status)
on its IPC port, echoes application requests, and broadcasts lifecycle
events on the shared event channel.

Client subcommands (ping, request, status, stats, shutdown) talk to a
running daemon over the same transport.`,
	RunE: runDaemon,
}

// runDaemon executes the main daemon loop until a shutdown signal or a
// remote shutdown request arrives
func runDaemon(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootLog.Info("Starting interbus daemon",
		"service", cfg.Daemon.ServiceName,
		"backend", cfg.Transport.Backend,
		"port", cfg.Receiver.Port)

	// Application handler: echo requests back with a success code. The
	// stock admin codes are answered before this handler sees anything.
	echo := receiver.HandlerFunc(func(ctx context.Context, req *types.Envelope, resp *types.Envelope) error {
		resp.Code = types.MsgCodeSuccess
		resp.Payload = req.Payload
		return nil
	})

	d, err := daemon.New(*cfg, echo, rootLog)
	if err != nil {
		rootLog.Error("Failed to wire daemon", "error", err)
		return err
	}

	if err := d.Start(); err != nil {
		rootLog.Error("Failed to start daemon", "error", err)
		return err
	}

	shutdown := daemon.NewShutdownManager(d, cfg.Daemon.ShutdownTimeout, rootLog)
	shutdown.Start()
	rootLog.Info("Daemon is running. Press Ctrl+C to stop.")

	shutdown.AddHook(func(ctx context.Context) error {
		rootLog.Info("Executing shutdown hook")
		return nil
	})

	// A remote shutdown request closes the daemon directly, bypassing
	// the signal path. Watch for that and drive the manager to
	// completion so both paths end the process. Daemon close is
	// idempotent.
	go func() {
		for d.Status() != types.StatusStopped {
			select {
			case <-shutdown.Context().Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		defer cancel()
		_ = shutdown.ShutdownAndWait(ctx, "remote shutdown request")
	}()

	_ = shutdown.WaitCompletion(context.Background())
	shutdown.Stop()

	rootLog.Info("Daemon shutdown complete")
	return nil
}

// pingCmd checks whether a service is answering on its IPC port
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether a service is available on its IPC port",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		if timeoutFlag > 0 {
			if !s.WaitForServiceAvailable(servicePort, timeoutFlag) {
				return fmt.Errorf("service on port %d did not become available within %s", servicePort, timeoutFlag)
			}
		} else if !s.IsServiceAvailable(servicePort) {
			return fmt.Errorf("service on port %d is not available", servicePort)
		}

		fmt.Printf("service on port %d is available\n", servicePort)
		return nil
	},
}

// requestCmd sends one request envelope and prints the reply
var requestCmd = &cobra.Command{
	Use:   "request <code> [payload]",
	Short: "Send a request to a service and print the response",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var code types.MessageCode
		if _, err := fmt.Sscanf(args[0], "%d", &code); err != nil {
			return fmt.Errorf("invalid message code %q: %w", args[0], err)
		}

		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		}

		s, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		resp := &types.Envelope{}
		req := types.NewEnvelope(code, payload)

		var r types.Result
		if timeoutFlag > 0 {
			r = s.SendRequestTimeout(servicePort, req, resp, timeoutFlag)
		} else {
			r = s.SendRequest(servicePort, req, resp)
		}
		if !r.Ok() {
			return fmt.Errorf("request failed: %s", r)
		}

		fmt.Printf("code=%d payload=%s\n", resp.Code, string(resp.Payload))
		return nil
	},
}

// statusCmd fetches the stock service status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a service's identity and operational state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		st, r := stock.RequestServiceStatus(s, servicePort)
		if !r.Ok() {
			return fmt.Errorf("status request failed: %s", r)
		}

		fmt.Printf("name=%s version=%s status=%s\n", st.Name, st.Version, st.Status)
		return nil
	},
}

// statsCmd fetches the stock runtime stats
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a service's runtime statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		rs, r := stock.RequestRuntimeStats(s, servicePort)
		if !r.Ok() {
			return fmt.Errorf("stats request failed: %s", r)
		}

		fmt.Printf("pid=%d uptime=%.1fs goroutines=%d mem_alloc=%d requests=%d\n",
			rs.PID, rs.UptimeSeconds, rs.Goroutines, rs.MemAllocBytes, rs.RequestsHandled)
		return nil
	},
}

var (
	shutdownCredentials string
	shutdownReason      string
)

// shutdownCmd asks a remote service to shut itself down
var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a service to shut itself down",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, r := stock.RequestServiceShutdown(s, servicePort, shutdownCredentials, shutdownReason)
		if !r.Ok() {
			return fmt.Errorf("shutdown request failed: %s", r)
		}
		if !resp.Accepted {
			return fmt.Errorf("shutdown rejected: %s", resp.Message)
		}

		fmt.Println("shutdown accepted")
		return nil
	},
}

// newClient builds a sender over a fresh transport for one-shot client
// subcommands. The cleanup function tears the transport down.
func newClient() (*sender.Sender, func(), error) {
	if err := initLogger(); err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	tr, err := transport.New(cfg.Transport, rootLog)
	if err != nil {
		return nil, nil, err
	}

	reg := registry.New(rootLog)
	s := sender.New(tr, reg, cfg.Sender, rootLog)

	return s, func() { _ = s.Shutdown() }, nil
}

// initLogger initializes the global logger based on CLI flags and config
func initLogger() error {
	if rootLog != nil {
		return nil
	}

	cfg := config.DefaultLoggingConfig()

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration from file, environment variables,
// and CLI overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
		config.ApplyEnvOverrides(cfg)
	}

	if backend != "" {
		cfg.Transport.Backend = backend
	}
	if servicePort > 0 {
		cfg.Receiver.Port = servicePort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: use environment variables)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: trace, debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Transport flags
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "",
		"Transport backend: socket, mangos (default: from config or env)")
	rootCmd.PersistentFlags().IntVar(&servicePort, "port", 0,
		"Service IPC port (default: from config or env)")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0,
		"Request or availability timeout (default: from config)")

	shutdownCmd.Flags().StringVar(&shutdownCredentials, "credentials", "",
		"Shutdown credentials (required)")
	shutdownCmd.Flags().StringVar(&shutdownReason, "reason", "",
		"Reason recorded with the shutdown request")

	rootCmd.AddCommand(pingCmd, requestCmd, statusCmd, statsCmd, shutdownCmd)
}
