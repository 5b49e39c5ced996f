// ============================================================================
// LiveSync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   livesync                       # Root command
//   ├── serve                      # Start the reference hub (websocket + REST)
//   │   └── --config, -c          # Specify config file
//   ├── watch                      # Connect a client session, print view updates
//   │   ├── --job                 # Job id to follow (status banner + chat)
//   │   ├── --role                # customer | driver | admin
//   │   └── --room                # Room(s) to join (repeatable)
//   ├── status                     # One-shot snapshot of the live map
//   ├── --version                  # Display version information
//   └── --help                    # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - hub: listen address and sqlite path for the reference hub
//   - channel: websocket endpoint the client session dials
//   - api: REST base URL for snapshots and mutation fallbacks
//   - auth: bearer token shared by both transports
//   - poll: map/chat polling cadence
//   - metrics: Prometheus monitoring configuration
//
// Signal Handling:
//   serve and watch capture SIGINT (Ctrl+C) and SIGTERM and shut down
//   gracefully: stop pollers, drain the apply loop, close sockets, close
//   the store.
//
// Metrics Service:
//   If enabled in config, a separate goroutine serves Prometheus metrics
//   on /metrics at the configured port.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/umuve/livesync/internal/hub"
	"github.com/umuve/livesync/internal/hub/store"
	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/internal/rest"
	"github.com/umuve/livesync/internal/session"
	"github.com/umuve/livesync/pkg/types"
)

const version = "1.0.0"

// Config mirrors configs/default.yaml.
type Config struct {
	Hub struct {
		Addr   string `yaml:"addr"`
		DBPath string `yaml:"db_path"`
	} `yaml:"hub"`

	Channel struct {
		URL string `yaml:"url"`
	} `yaml:"channel"`

	API struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`

	Auth struct {
		Token string `yaml:"token"`
	} `yaml:"auth"`

	Poll struct {
		MapIntervalSeconds  int `yaml:"map_interval_seconds"`
		ChatIntervalSeconds int `yaml:"chat_interval_seconds"`
	} `yaml:"poll"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Hub.Addr == "" {
		cfg.Hub.Addr = ":8080"
	}
	if cfg.Hub.DBPath == "" {
		cfg.Hub.DBPath = "livesync.db"
	}
	if cfg.Channel.URL == "" {
		cfg.Channel.URL = "ws://localhost:8080/ws"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8080"
	}
	return &cfg, nil
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "livesync",
		Short:   "Real-time job and location sync for the marketplace",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())
	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reference hub (websocket rooms + REST API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runHub(cfg)
		},
	}
}

func runHub(cfg *Config) error {
	logger := slog.Default()

	st, err := store.Open(cfg.Hub.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	collector := metrics.NewCollector()
	h := hub.New(hub.Config{
		Token:   cfg.Auth.Token,
		Store:   st,
		Metrics: collector,
		Logger:  logger,
	})
	srv := &http.Server{Addr: cfg.Hub.Addr, Handler: h.Handler()}

	startMetrics(cfg, logger, collector.Handler())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.Hub.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("hub server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ============================================================================
// watch
// ============================================================================

func buildWatchCommand() *cobra.Command {
	var (
		jobID string
		role  string
		rooms []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect a client session and print reconciled view updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runWatch(cfg, jobID, role, rooms)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id to follow")
	cmd.Flags().StringVar(&role, "role", "admin", "session role: customer, driver, admin")
	cmd.Flags().StringArrayVar(&rooms, "room", []string{string(types.AdminRoom)}, "room to join (repeatable)")
	return cmd
}

func runWatch(cfg *Config, jobID, role string, roomNames []string) error {
	logger := slog.Default()
	collector := metrics.NewCollector()
	startMetrics(cfg, logger, collector.Handler())

	rooms := make([]types.Room, 0, len(roomNames))
	for _, r := range roomNames {
		rooms = append(rooms, types.Room(r))
	}
	if jobID != "" {
		rooms = append(rooms, types.JobRoom(jobID))
	}

	sess, err := session.New(session.Config{
		ChannelURL:  cfg.Channel.URL,
		APIBaseURL:  cfg.API.BaseURL,
		Token:       cfg.Auth.Token,
		Role:        types.SenderRole(role),
		Rooms:       rooms,
		JobID:       jobID,
		MapInterval: time.Duration(cfg.Poll.MapIntervalSeconds) * time.Second,
		ChatInterval: time.Duration(cfg.Poll.ChatIntervalSeconds) * time.Second,
		OnMutationFailed: func(m types.Mutation, err error) {
			logger.Warn("action failed", "kind", m.Kind, "err", err)
		},
		OnAuthError: func(err error) {
			logger.Error("channel authentication rejected", "err", err)
		},
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()

	views, cancelViews := sess.Views()
	defer cancelViews()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("watching", "rooms", roomNames, "job", jobID)
	for {
		select {
		case vm := <-views:
			fmt.Printf("v%d live=%t stale=%t contractors=%d jobs=%d messages=%d unread=%d\n",
				vm.Version, vm.Live, vm.Stale,
				len(vm.Map.Contractors), len(vm.Map.Jobs),
				len(vm.Chat.Messages), vm.Chat.UnreadCount)
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch one map snapshot and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			client, err := rest.NewClient(rest.Config{
				BaseURL: cfg.API.BaseURL,
				Token:   cfg.Auth.Token,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			snap, err := client.MapData(ctx)
			if err != nil {
				return fmt.Errorf("fetch map data: %w", err)
			}
			fmt.Printf("contractors online: %d\n", len(snap.Contractors))
			fmt.Printf("open jobs:          %d\n", len(snap.Jobs))
			return nil
		},
	}
}

// startMetrics serves Prometheus metrics in the background when enabled.
func startMetrics(cfg *Config, logger *slog.Logger, handler http.Handler) {
	if !cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
}
