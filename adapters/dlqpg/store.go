// Package dlqpg persists executor.DeadLetter values to PostgreSQL,
// grounded on adapters/auditpg's sqlx + golang-migrate pattern and
// reused here for the dead-letter sink (spec §4.3 "append-only
// interface").
package dlqpg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

// Store implements executor.Sink on top of a Postgres dead_letters table.
type Store struct {
	db *sqlx.DB
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dlqpg: postgres DSN is required")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dlqpg: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("dlqpg: ping: %w", err)
	}

	if err := Migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Store{db: sqlx.NewDb(sqlDB, "postgres")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const insertSQL = `
INSERT INTO dead_letters
	(action_id, provider, namespace, tenant, action_type, payload, metadata,
	 failed_at, last_error, error_kind, attempts)
VALUES
	(:action_id, :provider, :namespace, :tenant, :action_type, :payload, :metadata,
	 :failed_at, :last_error, :error_kind, :attempts)
`

type row struct {
	ActionID   string          `db:"action_id"`
	Provider   string          `db:"provider"`
	Namespace  string          `db:"namespace"`
	Tenant     string          `db:"tenant"`
	ActionType string          `db:"action_type"`
	Payload    json.RawMessage `db:"payload"`
	Metadata   json.RawMessage `db:"metadata"`
	FailedAt   time.Time       `db:"failed_at"`
	LastError  string          `db:"last_error"`
	ErrorKind  string          `db:"error_kind"`
	Attempts   int             `db:"attempts"`
}

// Append inserts dl as a new dead_letters row. When the executor wraps
// this Store behind executor.EncryptedSink, dl.Action.Payload arrives
// nil and the sealed ciphertext travels in dl.Action.Metadata instead.
func (s *Store) Append(ctx context.Context, dl executor.DeadLetter) error {
	r, err := toRow(dl)
	if err != nil {
		return fmt.Errorf("dlqpg: marshal dead letter: %w", err)
	}
	if _, err := s.db.NamedExecContext(ctx, insertSQL, r); err != nil {
		return fmt.Errorf("dlqpg: insert dead letter: %w", err)
	}
	return nil
}

func toRow(dl executor.DeadLetter) (row, error) {
	payload, err := marshalOrNil(dl.Action.Payload)
	if err != nil {
		return row{}, err
	}
	var metadata json.RawMessage
	if len(dl.Action.Metadata) > 0 {
		m := make(map[string]any, len(dl.Action.Metadata))
		for k, v := range dl.Action.Metadata {
			m[k] = v
		}
		metadata, err = marshalOrNil(m)
		if err != nil {
			return row{}, err
		}
	}
	return row{
		ActionID:   dl.Action.ID,
		Provider:   dl.Provider,
		Namespace:  dl.Action.Namespace,
		Tenant:     dl.Action.Tenant,
		ActionType: dl.Action.ActionType,
		Payload:    payload,
		Metadata:   metadata,
		FailedAt:   dl.FailedAt,
		LastError:  dl.LastError,
		ErrorKind:  string(dl.ErrorKind),
		Attempts:   dl.Attempts,
	}, nil
}

func marshalOrNil(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Recent returns the most recent dead letters for (namespace, tenant),
// for an admin surface to page through.
func (s *Store) Recent(ctx context.Context, namespace, tenant string, limit int) ([]executor.DeadLetter, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT action_id, provider, namespace, tenant, action_type, payload, metadata,
		       failed_at, last_error, error_kind, attempts
		FROM dead_letters
		WHERE namespace = $1 AND tenant = $2
		ORDER BY failed_at DESC, id DESC
		LIMIT $3
	`, namespace, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("dlqpg: query recent: %w", err)
	}

	out := make([]executor.DeadLetter, 0, len(rows))
	for _, r := range rows {
		dl, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func fromRow(r row) (executor.DeadLetter, error) {
	payload, err := unmarshalOrNil(r.Payload)
	if err != nil {
		return executor.DeadLetter{}, err
	}
	var metadata map[string]string
	if len(r.Metadata) > 0 {
		var m map[string]any
		if err := json.Unmarshal(r.Metadata, &m); err != nil {
			return executor.DeadLetter{}, err
		}
		metadata = make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				metadata[k] = s
			}
		}
	}
	return executor.DeadLetter{
		Action: types.Action{
			ID:         r.ActionID,
			Namespace:  r.Namespace,
			Tenant:     r.Tenant,
			Provider:   r.Provider,
			ActionType: r.ActionType,
			Payload:    payload,
			Metadata:   metadata,
		},
		Provider:  r.Provider,
		FailedAt:  r.FailedAt,
		LastError: r.LastError,
		ErrorKind: provider.ErrorKind(r.ErrorKind),
		Attempts:  r.Attempts,
	}, nil
}

func unmarshalOrNil(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ executor.Sink = (*Store)(nil)
