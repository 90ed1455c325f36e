/*
Package sqlite provides a SQLite-backed implementation of the billing ports.

PURPOSE:
  Implements billing.TxStore (catalog, materialization ledger, slips and
  the event log) on SQLite. The same SQL runs on PostgreSQL with minor
  dialect changes.

KEY TABLES:
  obligations:      Obligation definitions (logical removal via removed_at)
  slips:            Slip documents, one row per slip, replaced on save
  materializations: (obligation_id, period) -> slip_id
  events:           Append-only domain event log, ordered by seq

INDEXES:
  - idx_unique_materialization: One slip per obligation per period. This
    is the guarantee concurrent materializations rely on; a violation is
    reported as *generic.DuplicateMaterializationError.
  - idx_slips_period, idx_slips_state_due: Period listings and overdue sweep
  - idx_events_aggregate: Per-slip history

APPEND-ONLY EVENTS:
  There is no UPDATE or DELETE on the events table.

CONNECTIONS:
  The pool is capped at one connection. ":memory:" databases are per
  connection, and SQLite admits a single writer anyway.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  svc := billing.NewService(store, publisher, generic.SystemClock{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/ports.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements billing.Store against either the pool or a transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL,
		amount_cents INTEGER,
		has_predefined_amount INTEGER NOT NULL DEFAULT 0,
		due_day INTEGER NOT NULL CHECK (due_day BETWEEN 1 AND 31),
		active_months TEXT NOT NULL DEFAULT '[]',
		validity_start TEXT NOT NULL,
		validity_end TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		removed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS slips (
		id TEXT PRIMARY KEY,
		amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
		target TEXT NOT NULL,
		due_date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		paid_at TEXT,
		state TEXT NOT NULL,
		obligation_id TEXT,
		period TEXT NOT NULL,
		replaces TEXT,
		replaced_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_slips_period ON slips(period);
	CREATE INDEX IF NOT EXISTS idx_slips_state_due ON slips(state, due_date);
	CREATE INDEX IF NOT EXISTS idx_slips_target ON slips(target);

	CREATE TABLE IF NOT EXISTS materializations (
		obligation_id TEXT NOT NULL,
		period TEXT NOT NULL,
		slip_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	-- CRITICAL: at most one slip per obligation per period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_materialization
		ON materializations(obligation_id, period);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		aggregate_id TEXT NOT NULL,
		name TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CATALOG
// =============================================================================

const definitionColumns = `id, description, notes, target, amount_cents, has_predefined_amount,
	due_day, active_months, validity_start, validity_end, active, created_at, updated_at, removed_at`

func (s *queries) SaveDefinition(ctx context.Context, def billing.ObligationDefinition) error {
	months, err := json.Marshal(monthInts(def.ActiveMonths))
	if err != nil {
		return fmt.Errorf("encode active months: %w", err)
	}
	var amount sql.NullInt64
	if def.Amount != nil {
		amount = sql.NullInt64{Int64: def.Amount.Cents(), Valid: true}
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO obligations (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(def.ID), def.Description, def.Notes, string(def.Target), amount, def.HasPredefinedAmount,
		int(def.DueDay), string(months), def.Validity.Start.String(), nullString(def.Validity.End.String()),
		def.Active, formatTime(def.CreatedAt), formatTime(def.UpdatedAt), nullTime(def.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save obligation: %w", err)
	}
	return nil
}

func (s *queries) GetDefinition(ctx context.Context, id generic.ObligationID) (billing.ObligationDefinition, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM obligations WHERE id = ?`, string(id))
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ObligationDefinition{}, &generic.NotFoundError{Kind: "obligation", ID: string(id)}
	}
	return def, err
}

func (s *queries) ListDefinitions(ctx context.Context, includeRemoved bool) ([]billing.ObligationDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM obligations`
	if !includeRemoved {
		query += ` WHERE removed_at IS NULL`
	}
	return s.queryDefinitions(ctx, query+` ORDER BY id`)
}

func (s *queries) FindActiveDefinitions(ctx context.Context, excludePredefinedAmount bool) ([]billing.ObligationDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM obligations WHERE active = 1 AND removed_at IS NULL`
	if excludePredefinedAmount {
		query += ` AND has_predefined_amount = 0`
	}
	return s.queryDefinitions(ctx, query+` ORDER BY id`)
}

func (s *queries) queryDefinitions(ctx context.Context, query string, args ...any) ([]billing.ObligationDefinition, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var defs []billing.ObligationDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (billing.ObligationDefinition, error) {
	var (
		def                       billing.ObligationDefinition
		id, target, months, start string
		amount                    sql.NullInt64
		dueDay                    int
		end, removedAt            sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&id, &def.Description, &def.Notes, &target, &amount, &def.HasPredefinedAmount,
		&dueDay, &months, &start, &end, &def.Active, &createdAt, &updatedAt, &removedAt)
	if err != nil {
		return def, err
	}

	def.ID = generic.ObligationID(id)
	def.Target = generic.UnitID(target)
	def.DueDay = generic.DueDay(dueDay)
	if amount.Valid {
		m, err := generic.NewMoney(amount.Int64)
		if err != nil {
			return def, err
		}
		def.Amount = &m
	}

	var monthNums []int
	if err := json.Unmarshal([]byte(months), &monthNums); err != nil {
		return def, fmt.Errorf("decode active months of %s: %w", id, err)
	}
	for _, m := range monthNums {
		def.ActiveMonths = append(def.ActiveMonths, time.Month(m))
	}

	if def.Validity.Start, err = generic.ParseDate(start); err != nil {
		return def, err
	}
	if end.Valid && end.String != "" {
		if def.Validity.End, err = generic.ParseDate(end.String); err != nil {
			return def, err
		}
	}
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)
	if removedAt.Valid {
		t := parseTime(removedAt.String)
		def.RemovedAt = &t
	}
	return def, nil
}

// =============================================================================
// MATERIALIZATION LEDGER
// =============================================================================

func (s *queries) IsMaterialized(ctx context.Context, id generic.ObligationID, p generic.Period) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM materializations WHERE obligation_id = ? AND period = ?`,
		string(id), p.String(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check materialization: %w", err)
	}
	return count > 0, nil
}

func (s *queries) RecordMaterialization(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO materializations (obligation_id, period, slip_id, recorded_at)
		VALUES (?, ?, ?, ?)
	`, string(id), p.String(), string(slipID), formatTime(time.Now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			dup := &generic.DuplicateMaterializationError{ObligationID: id, Period: p}
			var existing string
			if scanErr := s.q.QueryRowContext(ctx,
				`SELECT slip_id FROM materializations WHERE obligation_id = ? AND period = ?`,
				string(id), p.String(),
			).Scan(&existing); scanErr == nil {
				dup.ExistingSlipID = generic.SlipID(existing)
			}
			return dup
		}
		return fmt.Errorf("failed to record materialization: %w", err)
	}
	return nil
}

func (s *queries) Repoint(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE materializations SET slip_id = ? WHERE obligation_id = ? AND period = ?`,
		string(slipID), string(id), p.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to repoint materialization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "materialization", ID: string(id) + "@" + p.String()}
	}
	return nil
}

func (s *queries) MaterializedIn(ctx context.Context, p generic.Period) (billing.MaterializedSet, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT obligation_id, slip_id FROM materializations WHERE period = ?`, p.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query materializations: %w", err)
	}
	defer rows.Close()

	set := make(billing.MaterializedSet)
	for rows.Next() {
		var oid, sid string
		if err := rows.Scan(&oid, &sid); err != nil {
			return nil, err
		}
		set.Add(generic.ObligationID(oid), p, generic.SlipID(sid))
	}
	return set, rows.Err()
}

// =============================================================================
// SLIPS
// =============================================================================

const slipColumns = `id, amount_cents, target, due_date, description, created_at, paid_at,
	state, obligation_id, period, replaces, replaced_by`

func (s *queries) Save(ctx context.Context, slip *billing.Slip) error {
	r := slip.Record()
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO slips (`+slipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(r.ID), r.Amount.Cents(), string(r.Target), r.DueDate.String(), r.Description,
		formatTime(r.CreatedAt), nullTime(r.PaidAt), string(r.State),
		nullString(string(r.ObligationID)), r.Period.String(),
		nullString(string(r.Replaces)), nullString(string(r.ReplacedBy)),
	)
	if err != nil {
		return fmt.Errorf("failed to save slip: %w", err)
	}
	return nil
}

func (s *queries) FindByID(ctx context.Context, id generic.SlipID) (*billing.Slip, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+slipColumns+` FROM slips WHERE id = ?`, string(id))
	slip, err := scanSlip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "slip", ID: string(id)}
	}
	return slip, err
}

func (s *queries) FindManyByIDs(ctx context.Context, ids []generic.SlipID) ([]*billing.Slip, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = string(id)
	}
	query := `SELECT ` + slipColumns + ` FROM slips WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	found, err := s.querySlips(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[generic.SlipID]*billing.Slip, len(found))
	for _, slip := range found {
		byID[slip.ID()] = slip
	}
	result := make([]*billing.Slip, 0, len(found))
	for _, id := range ids {
		if slip, ok := byID[id]; ok {
			result = append(result, slip)
		}
	}
	return result, nil
}

func (s *queries) ListSlips(ctx context.Context, filter billing.SlipFilter) ([]*billing.Slip, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Period.IsZero() {
		where = append(where, "period = ?")
		args = append(args, filter.Period.String())
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, string(filter.Target))
	}
	if !filter.DueBefore.IsZero() {
		where = append(where, "due_date < ?")
		args = append(args, filter.DueBefore.String())
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + slipColumns + ` FROM slips`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.querySlips(ctx, query, args...)
}

func (s *queries) querySlips(ctx context.Context, query string, args ...any) ([]*billing.Slip, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slips: %w", err)
	}
	defer rows.Close()

	var slips []*billing.Slip
	for rows.Next() {
		slip, err := scanSlip(rows)
		if err != nil {
			return nil, err
		}
		slips = append(slips, slip)
	}
	return slips, rows.Err()
}

func scanSlip(row scanner) (*billing.Slip, error) {
	var (
		id, target, dueDate, description, createdAt, state, period string
		cents                                                      int64
		paidAt, obligationID, replaces, replacedBy                 sql.NullString
	)
	err := row.Scan(&id, &cents, &target, &dueDate, &description, &createdAt, &paidAt,
		&state, &obligationID, &period, &replaces, &replacedBy)
	if err != nil {
		return nil, err
	}

	amount, err := generic.NewMoney(cents)
	if err != nil {
		return nil, err
	}
	due, err := generic.ParseDate(dueDate)
	if err != nil {
		return nil, err
	}
	p, err := generic.ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	r := billing.SlipRecord{
		ID:           generic.SlipID(id),
		Amount:       amount,
		Target:       generic.UnitID(target),
		DueDate:      due,
		Description:  description,
		CreatedAt:    parseTime(createdAt),
		State:        billing.State(state),
		ObligationID: generic.ObligationID(obligationID.String),
		Period:       p,
		Replaces:     generic.SlipID(replaces.String),
		ReplacedBy:   generic.SlipID(replacedBy.String),
	}
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		r.PaidAt = &t
	}
	return billing.RestoreSlip(r)
}

// =============================================================================
// EVENT LOG (append-only)
// =============================================================================

func (s *queries) AppendEvents(ctx context.Context, events []generic.DomainEvent) error {
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode payload of %s: %w", e.Name, err)
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO events (id, aggregate_id, name, payload_json, occurred_at)
			VALUES (?, ?, ?, ?, ?)
		`, string(e.ID), e.AggregateID, e.Name, string(payload), formatTime(e.OccurredAt))
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	return nil
}

// EventsFor returns the aggregate's events in append order. Numeric payload
// values come back as json.Number.
func (s *queries) EventsFor(ctx context.Context, aggregateID string) ([]generic.DomainEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, aggregate_id, name, payload_json, occurred_at
		FROM events WHERE aggregate_id = ? ORDER BY seq
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []generic.DomainEvent
	for rows.Next() {
		var id, aggID, name, payload, occurredAt string
		if err := rows.Scan(&id, &aggID, &name, &payload, &occurredAt); err != nil {
			return nil, err
		}
		e := generic.DomainEvent{
			ID:          generic.EventID(id),
			AggregateID: aggID,
			Name:        name,
			OccurredAt:  parseTime(occurredAt),
		}
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %s: %w", id, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func monthInts(months []time.Month) []int {
	out := make([]int, 0, len(months))
	for _, m := range months {
		out = append(out, int(m))
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
