package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"insight-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	singleton  BOOLEAN     PRIMARY KEY DEFAULT TRUE,
	version    BIGINT      NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id              TEXT             PRIMARY KEY,
	action_id       TEXT             NOT NULL DEFAULT '',
	workflow_id     TEXT             NOT NULL DEFAULT '',
	status          TEXT             NOT NULL,
	reason_code     TEXT             NOT NULL,
	message         TEXT             NOT NULL DEFAULT '',
	business_impact DOUBLE PRECISION NOT NULL,
	created_at      TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS execution_logs_action_idx ON execution_logs (action_id);
CREATE INDEX IF NOT EXISTS execution_logs_workflow_idx ON execution_logs (workflow_id);
`

// Postgres persists entity snapshots and the execution log in PostgreSQL.
// It implements both Persistence and ExecutionLogRepository.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the database and ensures the schema exists
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type entityRow struct {
	Kind    string `db:"kind"`
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
}

// Load reads the last saved snapshot
func (p *Postgres) Load(ctx context.Context) (*models.Snapshot, error) {
	var rows []entityRow
	if err := p.db.SelectContext(ctx, &rows, "SELECT kind, id, payload FROM entities ORDER BY kind, id"); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}

	snap := &models.Snapshot{}
	for _, row := range rows {
		if err := decodeRow(snap, row); err != nil {
			return nil, err
		}
	}

	var version int64
	err := p.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM snapshot_meta")
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot version: %w", err)
	}
	snap.Version = uint64(version)

	return snap, nil
}

func decodeRow(snap *models.Snapshot, row entityRow) error {
	var err error
	switch models.EntityType(row.Kind) {
	case models.EntityTypeCustomer:
		var c models.Customer
		if err = json.Unmarshal(row.Payload, &c); err == nil {
			snap.Customers = append(snap.Customers, c)
		}
	case models.EntityTypeProduct:
		var pr models.Product
		if err = json.Unmarshal(row.Payload, &pr); err == nil {
			snap.Products = append(snap.Products, pr)
		}
	case models.EntityTypeOrder:
		var o models.Order
		if err = json.Unmarshal(row.Payload, &o); err == nil {
			snap.Orders = append(snap.Orders, o)
		}
	case models.EntityTypeWorkflow:
		var w models.Workflow
		if err = json.Unmarshal(row.Payload, &w); err == nil {
			snap.Workflows = append(snap.Workflows, w)
		}
	default:
		return fmt.Errorf("unknown entity kind %q for id %s", row.Kind, row.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", row.Kind, row.ID, err)
	}
	return nil
}

// Save replaces the stored snapshot inside one transaction
func (p *Postgres) Save(ctx context.Context, snap *models.Snapshot) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
		return fmt.Errorf("failed to clear entities: %w", err)
	}

	insert := func(e models.Entity) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", e.EntityType(), e.EntityID(), err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO entities (kind, id, payload, updated_at) VALUES ($1, $2, $3, NOW())",
			string(e.EntityType()), e.EntityID(), payload)
		if err != nil {
			return fmt.Errorf("failed to insert %s %s: %w", e.EntityType(), e.EntityID(), err)
		}
		return nil
	}

	for _, c := range snap.Customers {
		if err := insert(c); err != nil {
			return err
		}
	}
	for _, pr := range snap.Products {
		if err := insert(pr); err != nil {
			return err
		}
	}
	for _, o := range snap.Orders {
		if err := insert(o); err != nil {
			return err
		}
	}
	for _, w := range snap.Workflows {
		if err := insert(w); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (singleton, version, saved_at) VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at`,
		int64(snap.Version), snap.TakenAt)
	if err != nil {
		return fmt.Errorf("failed to write snapshot version: %w", err)
	}

	return tx.Commit()
}

// Append inserts an execution log entry
func (p *Postgres) Append(ctx context.Context, entry models.ExecutionLog) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO execution_logs (id, action_id, workflow_id, status, reason_code, message, business_impact, created_at)
		VALUES (:id, :action_id, :workflow_id, :status, :reason_code, :message, :business_impact, :created_at)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// List returns matching execution log entries oldest first
func (p *Postgres) List(ctx context.Context, filter LogFilter) ([]models.ExecutionLog, error) {
	var entries []models.ExecutionLog
	err := p.db.SelectContext(ctx, &entries, `
		SELECT id, action_id, workflow_id, status, reason_code, message, business_impact, created_at
		FROM execution_logs
		WHERE ($1 = '' OR action_id = $1) AND ($2 = '' OR workflow_id = $2)
		ORDER BY created_at, id`,
		filter.ActionID, filter.WorkflowID)
	return entries, err
}
