package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	omnitts "github.com/agentplexus/omnivoice/tts"

	"github.com/agentplexus/twiliosay"
	"github.com/agentplexus/twiliosay/audio"
	"github.com/agentplexus/twiliosay/callsystem"
	"github.com/agentplexus/twiliosay/internal/client"
	"github.com/agentplexus/twiliosay/internal/config"
	"github.com/agentplexus/twiliosay/internal/events"
	"github.com/agentplexus/twiliosay/internal/metrics"
	"github.com/agentplexus/twiliosay/internal/server"
	"github.com/agentplexus/twiliosay/internal/telemetry"
	"github.com/agentplexus/twiliosay/transport"
	"github.com/agentplexus/twiliosay/tts"
	"github.com/agentplexus/twiliosay/twiml"
)

const writeTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(twiliosay.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("service starting",
		slog.String("service", twiliosay.ServiceName),
		slog.String("version", twiliosay.Version),
		slog.String("address", cfg.Server.Address),
		slog.String("mode", cfg.Call.Mode),
		slog.String("backend", cfg.Synthesis.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	m := metrics.New()

	pub, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer pub.Close()

	synth, player, err := newSynthesizer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("synthesis backend: %w", err)
	}

	sink, err := newSink(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("audio dumps: %w", err)
	}

	callOpts := []callsystem.Option{
		callsystem.WithMode(callsystem.Mode(cfg.Call.Mode)),
		callsystem.WithTwiML(twiml.New(
			twiml.WithGreeting(cfg.Call.Greeting),
			twiml.WithStreamName(cfg.Call.StreamName),
		)),
		callsystem.WithHangupAfterPlayback(cfg.Call.HangupAfterPlayback),
		callsystem.WithLogger(logger),
		callsystem.WithMetrics(m),
	}
	if cfg.Twilio.Enabled() {
		tc, err := client.New(client.Config{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			BaseURL:    cfg.Twilio.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("twilio client: %w", err)
		}
		callOpts = append(callOpts, callsystem.WithHanger(tc))
	}
	calls, err := callsystem.New(callOpts...)
	if err != nil {
		return err
	}
	defer calls.Close()

	voice := omnitts.SynthesisConfig{
		VoiceID: cfg.Synthesis.Voice,
		Model:   cfg.Synthesis.Language,
	}

	streams, err := transport.New(synth,
		transport.WithSessionConfig(transport.SessionConfig{
			Utterance:        cfg.Synthesis.Utterance,
			Voice:            voice,
			StartupDelay:     cfg.Synthesis.StartupDelay(),
			SynthesisTimeout: cfg.Synthesis.Timeout(),
			WriteTimeout:     writeTimeout,
			MarkName:         cfg.Synthesis.MarkName,
		}),
		transport.WithLogger(logger),
		transport.WithSink(sink),
		transport.WithMetrics(m),
		transport.WithHooks(server.LifecycleHooks(calls, pub, cfg.Synthesis.MarkName, logger)),
	)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Calls:      calls,
		Streams:    streams,
		Utterance:  cfg.Synthesis.Utterance,
		Voice:      voice,
		PublicHost: cfg.Server.PublicHost,
		Metrics:    m,
		Events:     pub,
		Logger:     logger,
	}
	if player != nil {
		srvCfg.Player = player
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Address, err)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Millisecond
	serveErr := srv.Serve(ctx, ln,
		time.Duration(cfg.Server.ReadHeaderTimeout)*time.Millisecond,
		shutdownTimeout,
	)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := streams.Close(closeCtx); err != nil {
		logger.Warn("media streams did not close in time", slog.String("error", err.Error()))
	}
	return serveErr
}

// newSynthesizer returns the configured backend and, for Google, the MP3
// player used by the play directive.
func newSynthesizer(ctx context.Context, cfg *config.Config) (transport.Synthesizer, *tts.Provider, error) {
	switch cfg.Synthesis.Backend {
	case "google":
		p, err := tts.New(ctx,
			tts.WithCredentialsFile(cfg.Synthesis.CredentialsFile),
			tts.WithVoice(cfg.Synthesis.Voice),
			tts.WithLanguage(cfg.Synthesis.Language),
			tts.WithGender(cfg.Synthesis.Gender),
			tts.WithSampleRate(cfg.Synthesis.SampleRate),
		)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case "clip":
		c, err := tts.NewClip(cfg.Storage.BaseDir, cfg.Synthesis.ClipName)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}
	return nil, nil, errors.New("unknown synthesis backend " + cfg.Synthesis.Backend)
}

func newSink(cfg config.StorageConfig, logger *slog.Logger) (audio.Sink, error) {
	if !cfg.DumpAudio {
		return audio.NopSink{}, nil
	}
	return audio.NewFileSink(filepath.Join(cfg.BaseDir, "dumps"), logger)
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", twiliosay.ServiceName))
}
