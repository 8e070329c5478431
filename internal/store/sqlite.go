package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
// Monetary columns are stored as decimal strings, never as REAL.
type SQLiteStore struct {
	db  *sql.DB
	cfg RetentionConfig
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string, cfg RetentionConfig) (*SQLiteStore, error) {
	if cfg.MaxDecisions <= 0 {
		cfg.MaxDecisions = defaultMaxDecisions
	}
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = defaultMaxTransitions
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open sqlite", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, storeErr("sqlite pragmas", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db, cfg: cfg}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			encrypted_material TEXT NOT NULL,
			state TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			state_updated_at TEXT NOT NULL,
			last_used_at TEXT,
			cooldown_until TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys(provider_id)`,
		`CREATE TABLE IF NOT EXISTS state_transitions (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			trigger TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON state_transitions(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_at ON state_transitions(at)`,
		`CREATE TABLE IF NOT EXISTS quota_states (
			key_id TEXT PRIMARY KEY,
			capacity_state TEXT NOT NULL,
			capacity_unit TEXT NOT NULL,
			remaining TEXT NOT NULL,
			total_capacity REAL,
			used_capacity REAL NOT NULL DEFAULT 0,
			remaining_tokens REAL,
			total_tokens REAL,
			used_tokens REAL NOT NULL DEFAULT 0,
			used_requests REAL NOT NULL DEFAULT 0,
			time_window TEXT NOT NULL,
			reset_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			selected_key_id TEXT NOT NULL,
			selected_provider_id TEXT NOT NULL,
			decided_at TEXT NOT NULL,
			objective TEXT NOT NULL,
			eligible_keys TEXT NOT NULL DEFAULT '[]',
			evaluations TEXT NOT NULL DEFAULT '{}',
			explanation TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			alternatives INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_key ON routing_decisions(selected_key_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_at ON routing_decisions(decided_at)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			limit_amount TEXT NOT NULL,
			current_spend TEXT NOT NULL,
			period TEXT NOT NULL,
			enforcement TEXT NOT NULL,
			reset_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			warning_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cost_reconciliations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			estimated_cost TEXT NOT NULL,
			actual_cost TEXT NOT NULL,
			error_amount TEXT NOT NULL,
			error_percentage REAL NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			key_id TEXT NOT NULL DEFAULT '',
			reconciled_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recon_request ON cost_reconciliations(request_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storeErr("migrate", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Keys

func (s *SQLiteStore) SaveKey(ctx context.Context, key APIKey) error {
	meta, err := json.Marshal(key.Metadata)
	if err != nil {
		return storeErr("marshal key metadata", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, provider_id, encrypted_material, state, metadata,
		  created_at, state_updated_at, last_used_at, cooldown_until, usage_count, failure_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider_id=excluded.provider_id,
		   encrypted_material=excluded.encrypted_material,
		   state=excluded.state,
		   metadata=excluded.metadata,
		   state_updated_at=excluded.state_updated_at,
		   last_used_at=excluded.last_used_at,
		   cooldown_until=excluded.cooldown_until,
		   usage_count=excluded.usage_count,
		   failure_count=excluded.failure_count`,
		key.ID, key.ProviderID, key.EncryptedMaterial, string(key.State), string(meta),
		fmtTime(key.CreatedAt), fmtTime(key.StateUpdatedAt),
		fmtTimePtr(key.LastUsedAt), fmtTimePtr(key.CooldownUntil),
		key.UsageCount, key.FailureCount)
	return storeErr("save key", err)
}

const keyColumns = `id, provider_id, encrypted_material, state, metadata,
	created_at, state_updated_at, last_used_at, cooldown_until, usage_count, failure_count`

func scanKey(scan func(dest ...any) error) (*APIKey, error) {
	var k APIKey
	var state, meta, createdAt, updatedAt string
	var lastUsed, cooldown sql.NullString
	if err := scan(&k.ID, &k.ProviderID, &k.EncryptedMaterial, &state, &meta,
		&createdAt, &updatedAt, &lastUsed, &cooldown, &k.UsageCount, &k.FailureCount); err != nil {
		return nil, err
	}
	k.State = KeyState(state)
	if err := json.Unmarshal([]byte(meta), &k.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal key metadata: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	k.StateUpdatedAt = parseTime(updatedAt)
	k.LastUsedAt = parseTimePtr(lastUsed)
	k.CooldownUntil = parseTimePtr(cooldown)
	return &k, nil
}

func (s *SQLiteStore) GetKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	k, err := scanKey(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get key", err)
	}
	return k, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, providerID string) ([]APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list keys", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKey(rows.Scan)
		if err != nil {
			return nil, storeErr("scan key", err)
		}
		keys = append(keys, *k)
	}
	return keys, storeErr("list keys", rows.Err())
}

func (s *SQLiteStore) DeleteKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return storeErr("delete key", err)
}

// State transitions

func (s *SQLiteStore) SaveStateTransition(ctx context.Context, tr StateTransition) error {
	ctxJSON, err := json.Marshal(tr.Context)
	if err != nil {
		return storeErr("marshal transition context", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_transitions (id, entity_type, entity_id, from_state, to_state, trigger, context, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.EntityType, tr.EntityID, tr.FromState, tr.ToState, tr.Trigger, string(ctxJSON), fmtTime(tr.At))
	if err != nil {
		return storeErr("save transition", err)
	}
	return s.prune(ctx, "state_transitions", s.cfg.MaxTransitions)
}

// Quota states

func (s *SQLiteStore) SaveQuotaState(ctx context.Context, qs QuotaState) error {
	remaining, err := json.Marshal(qs.Remaining)
	if err != nil {
		return storeErr("marshal remaining capacity", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quota_states (key_id, capacity_state, capacity_unit, remaining,
		  total_capacity, used_capacity, remaining_tokens, total_tokens, used_tokens,
		  used_requests, time_window, reset_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		   capacity_state=excluded.capacity_state,
		   capacity_unit=excluded.capacity_unit,
		   remaining=excluded.remaining,
		   total_capacity=excluded.total_capacity,
		   used_capacity=excluded.used_capacity,
		   remaining_tokens=excluded.remaining_tokens,
		   total_tokens=excluded.total_tokens,
		   used_tokens=excluded.used_tokens,
		   used_requests=excluded.used_requests,
		   time_window=excluded.time_window,
		   reset_at=excluded.reset_at,
		   updated_at=excluded.updated_at`,
		qs.KeyID, string(qs.CapacityState), string(qs.Unit), string(remaining),
		qs.TotalCapacity, qs.UsedCapacity, qs.RemainingTokens, qs.TotalTokens,
		qs.UsedTokens, qs.UsedRequests, string(qs.Window), fmtTime(qs.ResetAt), fmtTime(qs.UpdatedAt))
	return storeErr("save quota state", err)
}

func (s *SQLiteStore) GetQuotaState(ctx context.Context, keyID string) (*QuotaState, error) {
	var qs QuotaState
	var state, unit, remaining, window, resetAt, updatedAt string
	var total, remTokens, totTokens sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, capacity_state, capacity_unit, remaining, total_capacity,
		  used_capacity, remaining_tokens, total_tokens, used_tokens, used_requests,
		  time_window, reset_at, updated_at
		 FROM quota_states WHERE key_id = ?`, keyID).
		Scan(&qs.KeyID, &state, &unit, &remaining, &total, &qs.UsedCapacity,
			&remTokens, &totTokens, &qs.UsedTokens, &qs.UsedRequests,
			&window, &resetAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get quota state", err)
	}
	qs.CapacityState = CapacityState(state)
	qs.Unit = CapacityUnit(unit)
	if err := json.Unmarshal([]byte(remaining), &qs.Remaining); err != nil {
		return nil, storeErr("unmarshal remaining capacity", err)
	}
	qs.TotalCapacity = nullFloat(total)
	qs.RemainingTokens = nullFloat(remTokens)
	qs.TotalTokens = nullFloat(totTokens)
	qs.Window = TimeWindow(window)
	qs.ResetAt = parseTime(resetAt)
	qs.UpdatedAt = parseTime(updatedAt)
	return &qs, nil
}

// Routing decisions

func (s *SQLiteStore) SaveRoutingDecision(ctx context.Context, d RoutingDecision) error {
	objective, err := json.Marshal(d.Objective)
	if err != nil {
		return storeErr("marshal objective", err)
	}
	eligible, err := json.Marshal(d.EligibleKeys)
	if err != nil {
		return storeErr("marshal eligible keys", err)
	}
	evals, err := json.Marshal(d.Evaluations)
	if err != nil {
		return storeErr("marshal evaluations", err)
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return storeErr("marshal decision metadata", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, request_id, selected_key_id, selected_provider_id,
		  decided_at, objective, eligible_keys, evaluations, explanation, confidence, alternatives, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   evaluations=excluded.evaluations,
		   explanation=excluded.explanation,
		   metadata=excluded.metadata`,
		d.ID, d.RequestID, d.SelectedKeyID, d.SelectedProviderID, fmtTime(d.DecidedAt),
		string(objective), string(eligible), string(evals), d.Explanation,
		d.Confidence, d.AlternativesConsidered, string(meta))
	if err != nil {
		return storeErr("save decision", err)
	}
	return s.prune(ctx, "routing_decisions", s.cfg.MaxDecisions)
}

// Budgets

func (s *SQLiteStore) SaveBudget(ctx context.Context, b Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, scope, scope_id, limit_amount, current_spend,
		  period, enforcement, reset_at, created_at, warning_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   current_spend=excluded.current_spend,
		   reset_at=excluded.reset_at,
		   warning_count=excluded.warning_count`,
		b.ID, string(b.Scope), b.ScopeID, b.LimitAmount.String(), b.CurrentSpend.String(),
		string(b.Period), string(b.Enforcement), fmtTime(b.ResetAt), fmtTime(b.CreatedAt),
		b.WarningCount)
	return storeErr("save budget", err)
}

func scanBudget(scan func(dest ...any) error) (*Budget, error) {
	var b Budget
	var scope, limitStr, spendStr, period, enforcement, resetAt, createdAt string
	if err := scan(&b.ID, &scope, &b.ScopeID, &limitStr, &spendStr,
		&period, &enforcement, &resetAt, &createdAt, &b.WarningCount); err != nil {
		return nil, err
	}
	var err error
	b.Scope = BudgetScope(scope)
	if b.LimitAmount, err = decimal.NewFromString(limitStr); err != nil {
		return nil, fmt.Errorf("parse limit_amount: %w", err)
	}
	if b.CurrentSpend, err = decimal.NewFromString(spendStr); err != nil {
		return nil, fmt.Errorf("parse current_spend: %w", err)
	}
	b.Period = TimeWindow(period)
	b.Enforcement = EnforcementMode(enforcement)
	b.ResetAt = parseTime(resetAt)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

const budgetColumns = `id, scope, scope_id, limit_amount, current_spend, period, enforcement, reset_at, created_at, warning_count`

func (s *SQLiteStore) GetBudget(ctx context.Context, id string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get budget", err)
	}
	return b, nil
}

func (s *SQLiteStore) ListBudgets(ctx context.Context) ([]Budget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budgets ORDER BY created_at`)
	if err != nil {
		return nil, storeErr("list budgets", err)
	}
	defer func() { _ = rows.Close() }()

	var budgets []Budget
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, storeErr("scan budget", err)
		}
		budgets = append(budgets, *b)
	}
	return budgets, storeErr("list budgets", rows.Err())
}

// Reconciliations

func (s *SQLiteStore) SaveReconciliation(ctx context.Context, r CostReconciliation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_reconciliations (request_id, estimated_cost, actual_cost,
		  error_amount, error_percentage, provider_id, model, key_id, reconciled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.EstimatedCost.String(), r.ActualCost.String(),
		r.ErrorAmount.String(), r.ErrorPercentage, r.ProviderID, r.Model, r.KeyID,
		fmtTime(r.ReconciledAt))
	return storeErr("save reconciliation", err)
}

func (s *SQLiteStore) QueryReconciliations(ctx context.Context, q ReconciliationQuery) ([]CostReconciliation, error) {
	query := `SELECT request_id, estimated_cost, actual_cost, error_amount,
		error_percentage, provider_id, model, key_id, reconciled_at
		FROM cost_reconciliations WHERE 1=1`
	var args []any
	if q.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, q.RequestID)
	}
	if q.KeyID != "" {
		query += ` AND key_id = ?`
		args = append(args, q.KeyID)
	}
	if q.ProviderID != "" {
		query += ` AND provider_id = ?`
		args = append(args, q.ProviderID)
	}
	if !q.From.IsZero() {
		query += ` AND reconciled_at >= ?`
		args = append(args, fmtTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND reconciled_at <= ?`
		args = append(args, fmtTime(q.To))
	}
	query += ` ORDER BY reconciled_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query reconciliations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CostReconciliation
	for rows.Next() {
		var r CostReconciliation
		var est, act, diff, reconAt string
		if err := rows.Scan(&r.RequestID, &est, &act, &diff, &r.ErrorPercentage,
			&r.ProviderID, &r.Model, &r.KeyID, &reconAt); err != nil {
			return nil, storeErr("scan reconciliation", err)
		}
		if r.EstimatedCost, err = decimal.NewFromString(est); err != nil {
			return nil, storeErr("parse estimated_cost", err)
		}
		if r.ActualCost, err = decimal.NewFromString(act); err != nil {
			return nil, storeErr("parse actual_cost", err)
		}
		if r.ErrorAmount, err = decimal.NewFromString(diff); err != nil {
			return nil, storeErr("parse error_amount", err)
		}
		r.ReconciledAt = parseTime(reconAt)
		out = append(out, r)
	}
	return out, storeErr("query reconciliations", rows.Err())
}

// QueryState

func (s *SQLiteStore) QueryState(ctx context.Context, q StateQuery) (StateQueryResult, error) {
	var res StateQueryResult
	if q.EntityType == "" || q.EntityType == EntityDecision {
		decisions, err := s.queryDecisions(ctx, q)
		if err != nil {
			return res, err
		}
		res.Decisions = decisions
	}
	if q.EntityType == "" || q.EntityType == EntityKey || q.EntityType == EntityQuota {
		transitions, err := s.queryTransitions(ctx, q)
		if err != nil {
			return res, err
		}
		res.Transitions = transitions
	}
	return res, nil
}

func (s *SQLiteStore) queryDecisions(ctx context.Context, q StateQuery) ([]RoutingDecision, error) {
	query := `SELECT id, request_id, selected_key_id, selected_provider_id, decided_at,
		objective, eligible_keys, evaluations, explanation, confidence, alternatives, metadata
		FROM routing_decisions WHERE 1=1`
	var args []any
	if q.KeyID != "" {
		query += ` AND selected_key_id = ?`
		args = append(args, q.KeyID)
	}
	if q.ProviderID != "" {
		query += ` AND selected_provider_id = ?`
		args = append(args, q.ProviderID)
	}
	if !q.From.IsZero() {
		query += ` AND decided_at >= ?`
		args = append(args, fmtTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND decided_at <= ?`
		args = append(args, fmtTime(q.To))
	}
	query += ` ORDER BY decided_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query decisions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var decidedAt, objective, eligible, evals, meta string
		if err := rows.Scan(&d.ID, &d.RequestID, &d.SelectedKeyID, &d.SelectedProviderID,
			&decidedAt, &objective, &eligible, &evals, &d.Explanation,
			&d.Confidence, &d.AlternativesConsidered, &meta); err != nil {
			return nil, storeErr("scan decision", err)
		}
		d.DecidedAt = parseTime(decidedAt)
		if err := json.Unmarshal([]byte(objective), &d.Objective); err != nil {
			return nil, storeErr("unmarshal objective", err)
		}
		if err := json.Unmarshal([]byte(eligible), &d.EligibleKeys); err != nil {
			return nil, storeErr("unmarshal eligible keys", err)
		}
		if err := json.Unmarshal([]byte(evals), &d.Evaluations); err != nil {
			return nil, storeErr("unmarshal evaluations", err)
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, storeErr("unmarshal decision metadata", err)
		}
		out = append(out, d)
	}
	return out, storeErr("query decisions", rows.Err())
}

func (s *SQLiteStore) queryTransitions(ctx context.Context, q StateQuery) ([]StateTransition, error) {
	query := `SELECT id, entity_type, entity_id, from_state, to_state, trigger, context, at
		FROM state_transitions WHERE 1=1`
	var args []any
	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if q.KeyID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.KeyID)
	}
	if !q.From.IsZero() {
		query += ` AND at >= ?`
		args = append(args, fmtTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND at <= ?`
		args = append(args, fmtTime(q.To))
	}
	query += ` ORDER BY at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query transitions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StateTransition
	for rows.Next() {
		var tr StateTransition
		var ctxJSON, at string
		if err := rows.Scan(&tr.ID, &tr.EntityType, &tr.EntityID, &tr.FromState,
			&tr.ToState, &tr.Trigger, &ctxJSON, &at); err != nil {
			return nil, storeErr("scan transition", err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &tr.Context); err != nil {
			return nil, storeErr("unmarshal transition context", err)
		}
		tr.At = parseTime(at)
		out = append(out, tr)
	}
	return out, storeErr("query transitions", rows.Err())
}

// prune trims an append-only table to its retention bound, oldest rows first.
func (s *SQLiteStore) prune(ctx context.Context, table string, max int) error {
	if max <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE rowid NOT IN (SELECT rowid FROM `+table+` ORDER BY rowid DESC LIMIT ?)`, max)
	return storeErr("prune "+table, err)
}

// Time helpers: timestamps are persisted as RFC3339Nano UTC strings.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
