package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/config"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/control"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/orchestrator"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/proxy"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

const requestTimeout = 5 * time.Second

var (
	cfgFile    string
	socketPath string
	drainPID   int
)

var rootCmd = &cobra.Command{
	Use:           "hitchgate",
	Short:         "hitchgate: supervisor and gateway for the HitchBuddy web service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bind the port, launch the upstreams and serve",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(consts.ExitBindFailure)
		}

		logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
		logger.Log.Info("Booting hitchgate", "port", cfg.Server.Port, "upstreams", len(cfg.Upstreams))

		engine, err := orchestrator.NewEngine(cfg)
		if err != nil {
			logger.Log.Error("Engine setup failed", "err", err)
			os.Exit(consts.ExitBindFailure)
		}
		os.Exit(engine.Run(context.Background()))
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the compiled route table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// File rules depend on the build output; list them as declared.
		table, err := proxy.NewTable(proxy.DefaultRules(cfg), func(string) bool { return false })
		if err != nil {
			return err
		}
		for i, r := range table.Rules() {
			fmt.Fprintf(cmd.OutOrStdout(), "%2d  %s\n", i+1, r)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance over the control socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveSocket(cmd)
		if err != nil {
			return err
		}
		resp, err := request(cmd, path, control.CmdStatus)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Gracefully shut down a running instance",
	Long: "Gracefully shut down a running instance, either over the control socket " +
		"or, with --pid, by sending it the drain signal (" + consts.DrainSignal + ").",
	RunE: func(cmd *cobra.Command, args []string) error {
		if drainPID > 0 {
			sig, err := config.ResolveSignal(consts.DrainSignal)
			if err != nil {
				return err
			}
			if err := unix.Kill(drainPID, sig); err != nil {
				return fmt.Errorf("signal pid %d: %w", drainPID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to pid %d\n", consts.DrainSignal, drainPID)
			return nil
		}

		path, err := resolveSocket(cmd)
		if err != nil {
			return err
		}
		resp, err := request(cmd, path, control.CmdDrain)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (phase %s)\n", resp.Message, resp.Phase)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "hitchgate.yaml", "config file path")
	for _, c := range []*cobra.Command{statusCmd, drainCmd} {
		c.Flags().StringVar(&socketPath, "socket", "", "control socket path (defaults to control.socket_path)")
	}
	drainCmd.Flags().IntVar(&drainPID, "pid", 0, "send the drain signal to this pid instead of using the control socket")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(drainCmd)
}

// loadConfig reads the config file. The default path may be absent; an
// explicitly given one must exist.
func loadConfig(cmd *cobra.Command) (*protocol.Config, error) {
	return config.Load(cfgFile, cmd.Flags().Changed("config"))
}

func resolveSocket(cmd *cobra.Command) (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Control.SocketPath == "" {
		return "", errors.New("no control socket: set control.socket_path or pass --socket")
	}
	return cfg.Control.SocketPath, nil
}

func request(cmd *cobra.Command, path string, c control.Command) (*control.Response, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return control.Request(ctx, path, c)
}

// Execute runs the command line and returns the process exit code. The start
// command exits on its own with the engine's code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hitchgate:", err)
		return 1
	}
	return consts.ExitOK
}

// Personal.AI order the ending
