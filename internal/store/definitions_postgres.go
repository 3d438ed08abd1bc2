// Package store provides the definition and atom store implementations
// injected into the executor: Postgres for definitions, badger for atoms,
// plus in-memory versions for tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// ErrDefinitionNotFound is returned when the requested pipeline id is not in
// the store.
var ErrDefinitionNotFound = errors.New("pipeline definition not found")

// ErrNotEditable is returned when the acting user may not modify the
// definition.
var ErrNotEditable = errors.New("user may not edit this pipeline")

// PostgresDefinitionStore implements pipeline.DefinitionStore backed by
// Postgres. Definitions are stored as JSONB; the latest load summary rides in
// a sibling column so reads need no join.
type PostgresDefinitionStore struct {
	db *sql.DB
}

var _ pipeline.DefinitionStore = (*PostgresDefinitionStore)(nil)

// NewPostgresDefinitionStore connects to Postgres and ensures the schema
// exists.
func NewPostgresDefinitionStore(dsn string) (*PostgresDefinitionStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresDefinitionStoreWithDB(db)
}

// NewPostgresDefinitionStoreWithDB reuses an existing *sql.DB.
func NewPostgresDefinitionStoreWithDB(db *sql.DB) (*PostgresDefinitionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := ensureDefinitionTable(db); err != nil {
		return nil, err
	}
	return &PostgresDefinitionStore{db: db}, nil
}

func ensureDefinitionTable(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS pipeline_definitions (
  id uuid PRIMARY KEY,
  definition jsonb NOT NULL,
  last_summary jsonb,
  time_created timestamptz NOT NULL DEFAULT now(),
  time_updated timestamptz NOT NULL DEFAULT now()
);
`
	_, err := db.Exec(ddl)
	return err
}

// Get returns one definition by id.
func (s *PostgresDefinitionStore) Get(ctx context.Context, id string) (*pipeline.Definition, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM pipeline_definitions WHERE id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	var def pipeline.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", id, err)
	}
	return &def, nil
}

// LoadAll returns every stored definition.
func (s *PostgresDefinitionStore) LoadAll(ctx context.Context) ([]*pipeline.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM pipeline_definitions ORDER BY time_created`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*pipeline.Definition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var def pipeline.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// Upsert writes a definition, enforcing editor permission against any
// existing row and assigning an id to new definitions.
func (s *PostgresDefinitionStore) Upsert(ctx context.Context, def *pipeline.Definition, editorUserID string) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
		def.TimeCreated = time.Now().UTC()
	}
	def.TimeUpdated = time.Now().UTC()

	existing, err := s.Get(ctx, def.ID)
	if err != nil && !errors.Is(err, ErrDefinitionNotFound) {
		return err
	}
	if existing != nil && editorUserID != "" && !existing.Editable(editorUserID) {
		return ErrNotEditable
	}
	if existing != nil {
		def.TimeCreated = existing.TimeCreated
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pipeline_definitions (id, definition, time_created, time_updated)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET definition=$2, time_updated=$4`,
		def.ID, raw, def.TimeCreated, def.TimeUpdated)
	return err
}

// Delete removes a definition and its summary.
func (s *PostgresDefinitionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_definitions WHERE id=$1`, id)
	return err
}

// SaveLoadSummary stores the latest summary; nil clears it.
func (s *PostgresDefinitionStore) SaveLoadSummary(ctx context.Context, id string, summary *pipeline.LoadSummary) error {
	if summary == nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_definitions SET last_summary=NULL WHERE id=$1`, id)
		return err
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pipeline_definitions SET last_summary=$1 WHERE id=$2`, raw, id)
	return err
}

// LastLoadSummary returns the latest stored summary, or nil if none exists.
func (s *PostgresDefinitionStore) LastLoadSummary(ctx context.Context, id string) (*pipeline.LoadSummary, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT last_summary FROM pipeline_definitions WHERE id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var summary pipeline.LoadSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("decode summary for %s: %w", id, err)
	}
	return &summary, nil
}

// Close releases the underlying connection pool.
func (s *PostgresDefinitionStore) Close() error {
	return s.db.Close()
}
