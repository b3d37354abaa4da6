// Package confirm persists suspended confirmation requests. The store
// survives process restarts and guarantees exactly-one resolution per
// confirmation through guarded single-transition updates.
package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/capgate/internal/model"
)

// ErrNotFound is returned when no confirmation exists for the given id.
var ErrNotFound = errors.New("confirmation not found")

// Status is the lifecycle state of a confirmation. pending is the only
// non-terminal state; every transition out of it is final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Record is one persisted confirmation.
type Record struct {
	ID          string
	RequestID   string
	Capability  string
	Description string
	Params      map[string]any
	Identity    model.Identity
	Decision    model.Decision
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ResolvedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS confirmations (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL UNIQUE,
	capability    TEXT NOT NULL,
	description   TEXT NOT NULL,
	params_json   TEXT NOT NULL,
	identity_json TEXT NOT NULL,
	decision_json TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	resolved_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_confirmations_status ON confirmations(status);
`

// Store is a sqlite-backed confirmation store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the confirmation database at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open confirmation store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init confirmation schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create persists a new pending confirmation.
func (s *Store) Create(ctx context.Context, rec Record) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	identity, err := json.Marshal(rec.Identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confirmations
			(id, request_id, capability, description, params_json, identity_json, decision_json, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Capability, rec.Description,
		string(params), string(identity), string(decision),
		string(StatusPending), rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create confirmation: %w", err)
	}
	return nil
}

// Get loads a confirmation by id. A pending record past its deadline is
// transitioned to expired before it is returned, so callers never observe
// a stale pending state.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusPending && s.now().After(rec.ExpiresAt) {
		if _, err := s.transition(ctx, id, StatusExpired); err != nil {
			return nil, err
		}
		return s.load(ctx, id)
	}
	return rec, nil
}

// Resolve moves a pending confirmation to the given terminal status. The
// second return names the transition this call performed: the target
// status, StatusExpired when the deadline had already passed, or "" when
// the record was terminal before the call. Callers use it to audit each
// transition exactly once.
func (s *Store) Resolve(ctx context.Context, id string, to Status) (*Record, Status, error) {
	if !to.Terminal() {
		return nil, "", fmt.Errorf("resolve target %q is not terminal", to)
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if rec.Status != StatusPending {
		return rec, "", nil
	}

	want := to
	if s.now().After(rec.ExpiresAt) {
		want = StatusExpired
	}
	moved, err := s.transition(ctx, id, want)
	if err != nil {
		return nil, "", err
	}
	rec, err = s.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !moved {
		// Lost the race to a concurrent resolver.
		return rec, "", nil
	}
	return rec, want, nil
}

// CancelByRequest cancels the pending confirmation attached to a request,
// if any. Returns the confirmation id, or "" when nothing was pending.
func (s *Store) CancelByRequest(ctx context.Context, requestID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM confirmations WHERE request_id = ? AND status = ?`,
		requestID, string(StatusPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup confirmation by request: %w", err)
	}
	moved, err := s.transition(ctx, id, StatusCancelled)
	if err != nil {
		return "", err
	}
	if !moved {
		return "", nil
	}
	return id, nil
}

// ListPending returns every pending confirmation, oldest first. Records
// past their deadline are expired on the way out.
func (s *Store) ListPending(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, capability, description, params_json, identity_json, decision_json,
		       status, created_at, expires_at, resolved_at
		FROM confirmations WHERE status = ? ORDER BY created_at`,
		string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending confirmations: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending confirmations: %w", err)
	}

	now := s.now()
	live := recs[:0]
	for _, rec := range recs {
		if now.After(rec.ExpiresAt) {
			if _, err := s.transition(ctx, rec.ID, StatusExpired); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// transition performs the guarded pending-to-terminal update. The WHERE
// clause on status makes concurrent resolvers race safely: exactly one
// sees a positive row count.
func (s *Store) transition(ctx context.Context, id string, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("transition confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition confirmation: %w", err)
	}
	return n == 1, nil
}

func (s *Store) load(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, capability, description, params_json, identity_json, decision_json,
		       status, created_at, expires_at, resolved_at
		FROM confirmations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                         Record
		params, identity, decision  string
		status                      string
		created, expires, resolved  int64
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.Capability, &rec.Description,
		&params, &identity, &decision, &status, &created, &expires, &resolved)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(identity), &rec.Identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if err := json.Unmarshal([]byte(decision), &rec.Decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.UnixMilli(expires)
	if resolved > 0 {
		rec.ResolvedAt = time.UnixMilli(resolved)
	}
	return &rec, nil
}
