package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/rbac"
)

// Session is one connection to the access-control database.
type Session interface {
	Evaluate(ctx context.Context, req rbac.EvaluationRequest) (*rbac.EvaluationResult, error)
	FilterVisible(ctx context.Context, req rbac.BatchRequest) (*rbac.BatchResult, error)
	ListConditionsForRole(ctx context.Context, roleID int64) ([]rbac.BoundCondition, error)
	ListConditionsForProject(ctx context.Context, projectID int64) ([]rbac.BoundCondition, error)
	ApplySeed(ctx context.Context, seed *rbac.Seed) (*rbac.SeedSummary, error)
	Migrate(ctx context.Context) error
	Close() error
}

// Connector opens a Session for a database URL.
type Connector func(ctx context.Context, dbURL string) (Session, error)

type pgSession struct {
	db     *sql.DB
	store  *rbac.Store
	engine *rbac.Engine
	logger *observability.Logger
}

// ConnectPostgres opens a PostgreSQL session. Decisions are computed the
// same way the server computes them, without caching.
func ConnectPostgres(ctx context.Context, dbURL string) (Session, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("database URL is required (--db or PACSGATE_POSTGRES_URL)")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := observability.NewLogger(observability.WarnLevel, os.Stderr)
	store := rbac.NewStore(rbac.SinglePool(db))
	return &pgSession{
		db:     db,
		store:  store,
		engine: rbac.NewEngine(store, store, store, store, rbac.WithLogger(logger)),
		logger: logger,
	}, nil
}

func (s *pgSession) Evaluate(ctx context.Context, req rbac.EvaluationRequest) (*rbac.EvaluationResult, error) {
	return s.engine.Evaluate(ctx, req)
}

func (s *pgSession) FilterVisible(ctx context.Context, req rbac.BatchRequest) (*rbac.BatchResult, error) {
	return s.engine.FilterVisible(ctx, req)
}

func (s *pgSession) ListConditionsForRole(ctx context.Context, roleID int64) ([]rbac.BoundCondition, error) {
	return s.store.ListConditionsForRole(ctx, roleID)
}

func (s *pgSession) ListConditionsForProject(ctx context.Context, projectID int64) ([]rbac.BoundCondition, error) {
	return s.store.ListConditionsForProject(ctx, projectID)
}

func (s *pgSession) ApplySeed(ctx context.Context, seed *rbac.Seed) (*rbac.SeedSummary, error) {
	return rbac.ApplySeed(ctx, s.store, seed, s.logger)
}

func (s *pgSession) Migrate(ctx context.Context) error {
	return rbac.RunMigrations(ctx, s.db, s.logger)
}

func (s *pgSession) Close() error {
	return s.db.Close()
}

// withSession parses the common flags, connects and runs fn.
func (a *App) withSession(ctx context.Context, fs *flag.FlagSet, fn func(ctx context.Context, s Session) error) error {
	if timeout := flagValue[time.Duration](fs, "timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := a.Connect(ctx, flagString(fs, "db"))
	if err != nil {
		return err
	}
	defer session.Close()

	return fn(ctx, session)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
