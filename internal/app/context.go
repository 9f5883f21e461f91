// Package app wires a workspace database into a ready engine for the CLI and
// the API server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"jobline/internal/db"
	"jobline/internal/engine"
	"jobline/internal/metrics"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

// Options select the workspace and the process-wide collaborators.
type Options struct {
	Workspace string
	Logger    *zap.Logger
	// Registry receives the engine metrics. Nil leaves metrics disabled.
	Registry *prometheus.Registry
}

// Open opens and migrates the workspace database and returns an engine over
// it. The returned close func releases both connection pools.
func Open(ctx context.Context, opts Options) (engine.Engine, func() error, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Debug("database ready", zap.Int("schema_version", version), zap.String("db", db.Path(opts.Workspace)))
	reader, err := db.OpenReader(db.Config{Workspace: opts.Workspace})
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, log)
	e.ReadDB = reader
	if opts.Registry != nil {
		e.Metrics = metrics.NewCollector(opts.Registry)
	}
	closeFn := func() error {
		return errors.Join(reader.Close(), conn.Close())
	}
	return e, closeFn, nil
}

// ResolveShop picks the shop a command acts on: the override when given,
// else the only shop in the workspace.
func ResolveShop(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetShop(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("shop %s not found; run jl init --shop %s", id, id)
			}
			return "", err
		}
		return id, nil
	}
	s, err := r.SingleShop(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no shop in workspace; run jl init")
		}
		return "", err
	}
	return s.ID, nil
}
