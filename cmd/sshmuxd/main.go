// Command sshmuxd is a demo host process for the sshmux session
// multiplexer: it exposes the verb table over a websocket bridge, secured
// by an optional JWT bearer token, and wires the library's optional
// background components (transfer queue, keepalive, session history) per
// its environment configuration. It is a reference harness, not a production deployment artifact —
// the core library itself has no CLI, no env vars, and no network listener
// of its own.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/portcall/sshmux"
	"github.com/portcall/sshmux/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "sshmuxd",
		Short: "Reference host process for the sshmux session multiplexer",
		RunE:  run,
	}
	root.Flags().String("listen", "", "override LISTEN_ADDR")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	b := newBridge(nil, log)
	manager := sshmux.NewManager(&bridgeSink{b: b})
	b.manager = manager

	if cfg.EnableTransferQueue {
		if err := manager.EnableTransferQueue(cfg.RedisAddr); err != nil {
			log.Warn().Err(err).Msg("transfer queue disabled: could not start")
		} else {
			log.Info().Str("redis", cfg.RedisAddr).Msg("transfer queue enabled")
		}
	}
	if cfg.EnableKeepalive {
		if err := manager.EnableKeepalive(cfg.KeepaliveSpec); err != nil {
			log.Warn().Err(err).Msg("keepalive disabled: could not start")
		}
	}
	if err := manager.EnableSessionLog(cfg.SessionLogPath); err != nil {
		log.Warn().Err(err).Msg("session history disabled: could not open database")
	} else {
		log.Info().Str("path", cfg.SessionLogPath).Msg("session history enabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", requireBearer(cfg.JWTSecret, b.handleWS))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg(color.GreenString("sshmuxd listening"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("manager shutdown")
	}
	return srv.Shutdown(shutdownCtx)
}

// bridgeSink adapts *bridge to sshmux.EventSink and logs a human-readable
// byte count for queued transfer completions, via go-humanize.
type bridgeSink struct {
	b *bridge
}

func (s *bridgeSink) Emit(topic string, payload any) {
	if p, ok := payload.(sshmux.SftpQueueDonePayload); ok && p.Error == "" {
		s.b.log.Info().
			Str("channelId", p.ChannelId).
			Str("bytes", humanize.Bytes(p.Bytes)).
			Msg("queued transfer complete")
	}
	s.b.Emit(topic, payload)
}

func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if format == "json" {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}

	out := os.Stderr
	var writer zerolog.ConsoleWriter
	if isatty.IsTerminal(out.Fd()) {
		writer = zerolog.ConsoleWriter{Out: colorable.NewColorable(out)}
	} else {
		writer = zerolog.ConsoleWriter{Out: out, NoColor: true}
	}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}
