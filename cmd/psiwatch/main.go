package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/psiwatch/internal/config"
	"github.com/zsiec/psiwatch/internal/engine"
	"github.com/zsiec/psiwatch/internal/session"
	"github.com/zsiec/psiwatch/internal/source"
	"github.com/zsiec/psiwatch/internal/status"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("psiwatch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	src := flag.String("source", "", "transport stream: file path, - for stdin, or srt://host:port")
	program := flag.String("program", "", "program number to acquire (decimal or 0x hex)")
	maxAttempts := flag.Int("max-attempts", 0, "PAT/PMT attempts per acquisition cycle")
	statusAddr := flag.String("status-addr", "", "status HTTP listen address, or off")
	tablesOut := flag.String("tables-out", "", "write the recording PAT/PMT as TS packets to this file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *src != "" {
		cfg.Source = *src
	}
	if *program != "" {
		if cfg.Program, err = config.ParseProgram(*program); err != nil {
			return err
		}
	}
	if *maxAttempts > 0 {
		cfg.MaxAttempts = *maxAttempts
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *tablesOut != "" {
		cfg.TablesOut = *tablesOut
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := config.NewLogger(os.Stderr, cfg.Logs, os.Getenv("DEBUG") != "")
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("psiwatch starting",
		"version", version,
		"source", cfg.Source,
		"program", cfg.Program,
		"status", cfg.StatusAddr,
		"max_attempts", cfg.MaxAttempts,
	)

	input, err := source.Open(ctx, cfg.Source, cfg.SourceOptions(), nil)
	if err != nil {
		return err
	}
	defer input.Close()

	mgr := session.NewManager(nil)
	defer mgr.Close()

	sess, err := mgr.Create(input.Address, session.Config{
		Program:        cfg.Program,
		Input:          input,
		Engine:         cfg.EngineOptions(),
		SectionTimeout: cfg.SectionTimeout,
		Restart:        true,
		OnSignal:       onSignal(cfg.TablesOut),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The stream ending stops the daemon.
		defer cancel()
		return sess.Run(gctx)
	})

	// Unblock reads on stdin and SRT sockets at shutdown.
	g.Go(func() error {
		<-gctx.Done()
		return input.Close()
	})

	if cfg.StatusAddr != "off" {
		srv := status.NewServer(cfg.StatusAddr, mgr, 0, nil)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	err = g.Wait()
	logSummary(sess.Snapshot())
	return err
}

// onSignal logs each signal and, when path is set, rewrites the
// recording tables whenever the program map changes.
func onSignal(path string) func(*session.Session, engine.Signal) {
	return func(s *session.Session, sig engine.Signal) {
		switch sig {
		case engine.SignalReady, engine.SignalUpdate, engine.SignalRevisionUpdate:
			pm := s.Engine().ProgramMap()
			if pm == nil {
				return
			}
			slog.Info("program map",
				"session", s.Key,
				"signal", sig,
				"version", pm.Version,
				"pmt_pid", pm.PMTPID,
				"pcr_pid", pm.PCRPID,
				"video_pid", pm.VideoPID(),
				"audio_pid", pm.AudioPID(),
				"scrambled", pm.Scrambled(),
			)
			if path == "" {
				return
			}
			pat, pmt, err := s.Engine().RecordingTables()
			if err != nil {
				slog.Warn("recording tables", "error", err)
				return
			}
			if err := writeTables(path, pm.PMTPID, pat, pmt); err != nil {
				slog.Warn("write tables", "path", path, "error", err)
				return
			}
			slog.Debug("recording tables written", "path", path)
		case engine.SignalTimeout, engine.SignalError:
			slog.Warn("acquisition problem", "session", s.Key, "signal", sig, "state", s.Engine().State())
		}
	}
}

func logSummary(snap session.Snapshot) {
	args := []any{
		"session", snap.Key,
		"state", snap.Engine.State,
		"sections", snap.Engine.Sections,
		"discarded", snap.Engine.Discarded,
		"packets", snap.Filter.Packets,
		"crc_errors", snap.Filter.CRCErrors,
	}
	if snap.Source != nil {
		args = append(args, "bytes", snap.Source.BytesReceived)
	}
	if pm := snap.ProgramMap; pm != nil {
		args = append(args, "version", pm.Version, "streams", len(pm.Streams))
	}
	slog.Info("session finished", args...)
}
