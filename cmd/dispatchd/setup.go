package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/handoff"
	"github.com/GoCodeAlone/dispatch/internal/sqldb"
	"github.com/GoCodeAlone/dispatch/session"
	"github.com/GoCodeAlone/dispatch/task"
	"github.com/GoCodeAlone/dispatch/worker"
)

// newLogger builds the daemon logger. A configured file is rotated by
// lumberjack and mirrored to stdout.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}
	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rot)
		closer = rot
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

// stores holds the persistence backends chosen by the storage section.
type stores struct {
	tasks    task.Store
	sessions session.Store
	handoffs handoff.Store
	close    func() error
}

// openStores opens the configured backend. The SQL drivers share one
// connection across the task, session and handoff tables.
func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	if cfg.Driver == "memory" {
		return &stores{
			tasks:    task.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			handoffs: handoff.NewMemoryStore(),
			close:    func() error { return nil },
		}, nil
	}
	if cfg.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, d, err := sqldb.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", d, err)
	}
	ts, err := task.NewSQLStore(ctx, db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	ss, err := session.NewSQLStore(ctx, db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	hs, err := handoff.NewSQLStore(ctx, db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stores{tasks: ts, sessions: ss, handoffs: hs, close: ts.Close}, nil
}

// eventSinks builds the engine's event log: the in-memory bus always, plus
// the configured file and Redis stream, plus any extra sinks.
func eventSinks(ctx context.Context, cfg config.EventsConfig, bus comms.Bus, logger *slog.Logger, extra ...comms.Log) (comms.Log, func() error, error) {
	logs := []comms.Log{bus}
	var closers []func() error
	if cfg.LogFile != "" {
		fl, err := comms.NewFileLog(cfg.LogFile)
		if err != nil {
			return nil, nil, err
		}
		logs = append(logs, fl)
	}
	if cfg.RedisAddr != "" {
		rl, err := comms.NewRedisStreamLog(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStream, cfg.RedisMaxLen)
		if err != nil {
			return nil, nil, err
		}
		logs = append(logs, rl)
		closers = append(closers, rl.Close)
	}
	logs = append(logs, extra...)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	if len(logs) == 1 {
		return bus, closeAll, nil
	}
	return comms.NewMultiLog(logger, logs...), closeAll, nil
}

// buildTeam creates the in-process workers declared in the config. The
// returned func closes the Docker clients of containerized workers.
func buildTeam(ctx context.Context, eng *engine.Engine, cfgs []config.WorkerConfig, logger *slog.Logger) (*worker.Team, func(), error) {
	team := worker.NewTeam("local", "in-process workers")
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	for _, wc := range cfgs {
		var exec worker.Executor = &worker.CommandExecutor{
			Command: wc.Command,
			Dir:     wc.Dir,
			Timeout: wc.Timeout.D(),
		}
		if wc.Image != "" {
			ce, err := worker.NewContainerExecutor(ctx, wc.Image, wc.Command)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("worker %s: %w", wc.ID, err)
			}
			ce.Timeout = wc.Timeout.D()
			ce.Network = wc.Network
			closers = append(closers, ce)
			exec = ce
		}
		team.Add(worker.NewRuntime(eng, worker.Config{
			ID:              wc.ID,
			Name:            wc.Name,
			Capabilities:    wc.Capabilities,
			Specializations: wc.Specializations,
			Executor:        exec,
			Logger:          logger,
		}))
	}
	return team, closeAll, nil
}
