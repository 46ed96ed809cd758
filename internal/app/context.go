package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/engine"
	"foreman/internal/logutils"
	"foreman/internal/migrate"
	"foreman/internal/telemetry"
)

type Options struct {
	Workspace string
	// LogLevel and LogFile override the workspace config when set.
	LogLevel string
	LogFile  string
	// Telemetry installs the OTLP exporters from the config.
	Telemetry bool
}

// Workspace is an opened, migrated workspace with its engine wired up.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    zerolog.Logger

	closers []func()
}

// Open loads foreman.yml, opens and migrates the database and builds the
// engine. Callers must Close the workspace.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	file := cfg.Log.File
	if opts.LogFile != "" {
		file = opts.LogFile
	}
	logger, logCloser, err := logutils.New(level, file)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	w := &Workspace{Dir: opts.Workspace, Config: cfg, Log: logger, closers: []func(){logCloser}}

	if opts.Telemetry {
		shutdown, err := telemetry.Setup(ctx, telemetry.ExportConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			w.Close()
			return nil, err
		}
		w.closers = append(w.closers, func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		})
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		w.Close()
		return nil, err
	}
	w.DB = conn
	w.closers = append(w.closers, func() { _ = conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		w.Close()
		return nil, err
	}

	eng, err := engine.New(conn, cfg)
	if err != nil {
		w.Close()
		return nil, err
	}
	eng.Log = logutils.Component(logger, "engine")
	if eng.Metrics, err = telemetry.NewMetrics(); err != nil {
		eng.Close()
		w.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	w.Engine = eng
	w.closers = append(w.closers, eng.Close)
	return w, nil
}

// Close releases everything Open acquired, newest first.
func (w *Workspace) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}
