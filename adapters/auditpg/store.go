// Package auditpg persists audit.Record values to PostgreSQL, grounded
// on the teacher's internal/platform/database.Open connection pattern
// and internal/app/storage/postgres query style, using jmoiron/sqlx for
// the struct-scanning layer the example pack's datastorage tests exercise
// against sqlx.NewDb.
package auditpg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/actionforge/gateway/core/audit"
)

// Store implements audit.Sink on top of a Postgres audit_records table.
type Store struct {
	db *sqlx.DB
}

// Open establishes a PostgreSQL connection using dsn, verifies
// connectivity with a ping, applies migrations, and returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("auditpg: postgres DSN is required")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditpg: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auditpg: ping: %w", err)
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

const insertRecordSQL = `
INSERT INTO audit_records
	(id, action_id, chain_id, namespace, tenant, provider, action_type, verdict,
	 matched_rule, outcome, action_payload, verdict_details, outcome_details, metadata,
	 dispatched_at, completed_at, duration_ms, expires_at, caller_id, auth_method,
	 record_hash, previous_hash, sequence_number)
VALUES
	(:id, :action_id, :chain_id, :namespace, :tenant, :provider, :action_type, :verdict,
	 :matched_rule, :outcome, :action_payload, :verdict_details, :outcome_details, :metadata,
	 :dispatched_at, :completed_at, :duration_ms, :expires_at, :caller_id, :auth_method,
	 :record_hash, :previous_hash, :sequence_number)
`

// row is the sqlx-bindable shape of audit.Record; JSONB columns go
// through encoding/json by value since sqlx has no native map[string]any
// scan/value support.
type row struct {
	ID             string          `db:"id"`
	ActionID       string          `db:"action_id"`
	ChainID        *string         `db:"chain_id"`
	Namespace      string          `db:"namespace"`
	Tenant         string          `db:"tenant"`
	Provider       string          `db:"provider"`
	ActionType     string          `db:"action_type"`
	Verdict        string          `db:"verdict"`
	MatchedRule    *string         `db:"matched_rule"`
	Outcome        string          `db:"outcome"`
	ActionPayload  json.RawMessage `db:"action_payload"`
	VerdictDetails json.RawMessage `db:"verdict_details"`
	OutcomeDetails json.RawMessage `db:"outcome_details"`
	Metadata       json.RawMessage `db:"metadata"`
	DispatchedAt   time.Time       `db:"dispatched_at"`
	CompletedAt    time.Time       `db:"completed_at"`
	DurationMS     int64           `db:"duration_ms"`
	ExpiresAt      *time.Time      `db:"expires_at"`
	CallerID       string          `db:"caller_id"`
	AuthMethod     string          `db:"auth_method"`
	RecordHash     *string         `db:"record_hash"`
	PreviousHash   *string         `db:"previous_hash"`
	SequenceNumber *int64          `db:"sequence_number"`
}

func toRow(rec audit.Record) (row, error) {
	payload, err := marshalOrNil(rec.ActionPayload)
	if err != nil {
		return row{}, err
	}
	verdictDetails, err := marshalOrNil(rec.VerdictDetails)
	if err != nil {
		return row{}, err
	}
	outcomeDetails, err := marshalOrNil(rec.OutcomeDetails)
	if err != nil {
		return row{}, err
	}
	metadata, err := marshalOrNil(rec.Metadata)
	if err != nil {
		return row{}, err
	}

	r := row{
		ID:             rec.ID,
		ActionID:       rec.ActionID,
		Namespace:      rec.Namespace,
		Tenant:         rec.Tenant,
		Provider:       rec.Provider,
		ActionType:     rec.ActionType,
		Verdict:        rec.Verdict,
		Outcome:        rec.Outcome,
		ActionPayload:  payload,
		VerdictDetails: verdictDetails,
		OutcomeDetails: outcomeDetails,
		Metadata:       metadata,
		DispatchedAt:   rec.DispatchedAt,
		CompletedAt:    rec.CompletedAt,
		DurationMS:     rec.DurationMS,
		ExpiresAt:      rec.ExpiresAt,
		CallerID:       rec.CallerID,
		AuthMethod:     rec.AuthMethod,
	}
	if rec.ChainID != "" {
		r.ChainID = &rec.ChainID
	}
	if rec.MatchedRule != "" {
		r.MatchedRule = &rec.MatchedRule
	}
	if rec.RecordHash != "" {
		r.RecordHash = &rec.RecordHash
	}
	if rec.PreviousHash != "" {
		r.PreviousHash = &rec.PreviousHash
	}
	if rec.SequenceNumber != 0 {
		r.SequenceNumber = &rec.SequenceNumber
	}
	return r, nil
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

// Write inserts rec as a new audit_records row (spec §4.8, §4.2 stage
// 11). Compliance-mode callers invoke this synchronously on the hot
// path; non-compliance callers should wrap Store behind an async
// dispatcher before handing it to the gateway.
func (s *Store) Write(ctx context.Context, rec audit.Record) error {
	r, err := toRow(rec)
	if err != nil {
		return fmt.Errorf("auditpg: marshal record: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, insertRecordSQL, r)
	if err != nil {
		return fmt.Errorf("auditpg: insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit records for (namespace, tenant), most
// recent first, for replay/debugging surfaces.
func (s *Store) Recent(ctx context.Context, namespace, tenant string, limit int) ([]audit.Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, action_id, chain_id, namespace, tenant, provider, action_type, verdict,
		       matched_rule, outcome, action_payload, verdict_details, outcome_details, metadata,
		       dispatched_at, completed_at, duration_ms, expires_at, caller_id, auth_method,
		       record_hash, previous_hash, sequence_number
		FROM audit_records
		WHERE namespace = $1 AND tenant = $2
		ORDER BY dispatched_at DESC, id DESC
		LIMIT $3
	`, namespace, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("auditpg: query recent: %w", err)
	}

	out := make([]audit.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func fromRow(r row) (audit.Record, error) {
	rec := audit.Record{
		ID:           r.ID,
		ActionID:     r.ActionID,
		Namespace:    r.Namespace,
		Tenant:       r.Tenant,
		Provider:     r.Provider,
		ActionType:   r.ActionType,
		Verdict:      r.Verdict,
		Outcome:      r.Outcome,
		DispatchedAt: r.DispatchedAt,
		CompletedAt:  r.CompletedAt,
		DurationMS:   r.DurationMS,
		ExpiresAt:    r.ExpiresAt,
		CallerID:     r.CallerID,
		AuthMethod:   r.AuthMethod,
	}
	if r.ChainID != nil {
		rec.ChainID = *r.ChainID
	}
	if r.MatchedRule != nil {
		rec.MatchedRule = *r.MatchedRule
	}
	if r.RecordHash != nil {
		rec.RecordHash = *r.RecordHash
	}
	if r.PreviousHash != nil {
		rec.PreviousHash = *r.PreviousHash
	}
	if r.SequenceNumber != nil {
		rec.SequenceNumber = *r.SequenceNumber
	}

	var err error
	if rec.ActionPayload, err = unmarshalOrNil(r.ActionPayload); err != nil {
		return audit.Record{}, err
	}
	if rec.VerdictDetails, err = unmarshalOrNil(r.VerdictDetails); err != nil {
		return audit.Record{}, err
	}
	if rec.OutcomeDetails, err = unmarshalOrNil(r.OutcomeDetails); err != nil {
		return audit.Record{}, err
	}
	if rec.Metadata, err = unmarshalOrNil(r.Metadata); err != nil {
		return audit.Record{}, err
	}
	return rec, nil
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

var _ audit.Sink = (*Store)(nil)
