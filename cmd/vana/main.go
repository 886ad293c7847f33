// Command vana runs the agent orchestration server.
//
// Usage:
//
//	vana serve
//	vana serve --addr :9090 --store /var/lib/vana/sessions.db
//	vana version
//
// Configuration comes from flags first, then VANA_* environment variables
// (a .env file in the working directory is honored).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/NickB03/vana"
	"github.com/NickB03/vana/agent/anthropic"
	"github.com/NickB03/vana/agent/openai"
	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/config"
	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/dispatcher"
	"github.com/NickB03/vana/logging"
	"github.com/NickB03/vana/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the orchestration server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (json or text)." default:"json"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("vana version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr  string `help:"Listen address (overrides VANA_ADDR)."`
	Store string `help:"SQLite database path; empty uses the in-memory store (overrides VANA_STORE_PATH)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if c.Store != "" {
		cfg.StorePath = c.Store
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Format:    cli.LogFormat,
		Output:    os.Stderr,
		Component: "vana",
	})

	var store core.SessionStore
	if cfg.StorePath != "" {
		sqlStore, err := session.NewSQLStore(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		store = session.NewMemoryStore()
	}

	v := vana.New(func(o *vana.Options) {
		o.SessionStore = store
		o.SessionTTL = cfg.SessionTTL
		o.Logger = logger
		o.Broadcast = func(o *broadcast.Options) {
			o.HeartbeatInterval = cfg.HeartbeatInterval
			o.MaxReplay = cfg.MaxReplay
		}
		o.Dispatch = func(o *dispatcher.Options) {
			o.MaxAttempts = cfg.MaxAttempts
			o.TaskTimeout = cfg.TaskTimeout
			o.PipelineTimeout = cfg.PipelineTimeout
			o.DisconnectGrace = cfg.DisconnectGrace
		}
	})
	defer v.Close()

	registerAgents(v, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	v.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerAgents wires the model-backed agents whose API keys are configured.
func registerAgents(v *vana.Vana, cfg config.Config) {
	if cfg.AnthropicAPIKey != "" {
		v.RegisterAgent(anthropic.New("claude", func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
		}))
	}
	if cfg.OpenAIAPIKey != "" {
		v.RegisterAgent(openai.New("gpt"))
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("vana"),
		kong.Description("Multi-agent pipeline orchestration with live event streaming."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
