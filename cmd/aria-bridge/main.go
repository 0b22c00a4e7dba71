package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aria-bridge/aria-bridge/internal/broker"
	"github.com/aria-bridge/aria-bridge/pkg/config"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aria-bridge",
		Short: "aria-bridge runs the per-workspace development observability broker",
		Long: `aria-bridge is a singleton broker process that bridges push events
from browser/runtime bridges to filtered streams for observability
consumers, and relays control requests between them.`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to aria-bridge.yaml in the current directory)")

	cmd.AddCommand(serveCmd(), initCmd(), adminCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "acquire the workspace lock and run the broker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			host := broker.NewHost(cfg)
			if err := host.Start(); err != nil {
				return fmt.Errorf("start host: %w", err)
			}
			log.Printf("aria-bridge: listening on ws://127.0.0.1:%d (workspace %s), admin on http://127.0.0.1:%d", host.Port, cfg.Workspace, host.AdminPort)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := host.Run(ctx); err != nil {
				return fmt.Errorf("run host: %w", err)
			}
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var workspace string
	var port int
	var adminPort int

	c := &cobra.Command{
		Use:   "init",
		Short: "write a default aria-bridge.yaml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Workspace = workspace
			cfg.Port = port
			cfg.AdminPort = adminPort

			path := configPath
			if path == "" {
				path = "aria-bridge.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", path)
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	c.Flags().StringVar(&workspace, "workspace", ".", "workspace directory the broker will lock")
	c.Flags().IntVar(&port, "port", 0, "preferred port (0 picks an ephemeral port)")
	c.Flags().IntVar(&adminPort, "admin-port", 0, "preferred admin port for /health and /metrics (0 picks an ephemeral port)")
	return c
}

func adminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "acquire the workspace lock and drop into an interactive stats REPL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			host := broker.NewHost(cfg)
			if err := host.Start(); err != nil {
				return fmt.Errorf("start host: %w", err)
			}
			log.Printf("aria-bridge: listening on ws://127.0.0.1:%d (workspace %s), admin on http://127.0.0.1:%d", host.Port, cfg.Workspace, host.AdminPort)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErrCh := make(chan error, 1)
			go func() { runErrCh <- host.Run(ctx) }()

			runREPL(host.Broker())
			stop()
			return <-runErrCh
		},
	}
}

// runREPL is a peterh/liner-based admin shell answering "stats", "sessions",
// and "quit" against the live broker while the host continues serving
// connections on its own goroutine.
func runREPL(b *broker.Broker) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		cmdStr, err := line.Prompt("aria-bridge> ")
		if err != nil {
			return
		}
		line.AppendHistory(cmdStr)

		switch cmdStr {
		case "stats":
			s := b.Stats()
			fmt.Printf("bridges=%d consumers=%d pendingControls=%d\n", s.Bridges, s.Consumers, s.PendingControls)
		case "sessions":
			for _, sess := range b.SessionSummaries() {
				fmt.Printf("  %s  role=%s  platform=%s\n", sess.ClientID, sess.Role, sess.Platform)
			}
		case "quit", "exit":
			return
		case "":
			continue
		default:
			fmt.Println("commands: stats, sessions, quit")
		}
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = "aria-bridge.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
