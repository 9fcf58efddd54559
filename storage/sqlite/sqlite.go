// Package sqlite is the reference storage backend: a pure-Go SQLite
// connection via modernc.org/sqlite, schema bring-up via golang-migrate,
// gated by storage/migrate so a warm restart against a current database
// never re-runs migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
	storagemigrate "github.com/AlfredDev/quota-core/storage/migrate"
)

var _ storage.Backend = (*Backend)(nil)

// Backend implements storage.Backend against a SQLite database file (or
// ":memory:").
type Backend struct {
	db         *sql.DB
	path       string
	inMemory   bool
	gate       *storagemigrate.Gate
	migrations string
}

// New opens path (use ":memory:" for an ephemeral database) without yet
// running migrations; call Initialize to bring the schema up.
func New(path, migrationsDir string, cachePath string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return &Backend{
		db:         db,
		path:       path,
		inMemory:   path == ":memory:" || strings.HasPrefix(path, "file::memory:"),
		gate:       storagemigrate.NewGate(cachePath),
		migrations: migrationsDir,
	}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	driver, err := sqlite3.WithInstance(b.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", b.migrations), "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migration instance: %w", err)
	}
	defer m.Close()

	if b.inMemory {
		return storagemigrate.EnsureInMemory(m)
	}
	return b.gate.Ensure(m, b.path)
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) InsertEntry(ctx context.Context, e storage.Entry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO accounting_entries
			(model, username, caller_name, project_name, prompt_tokens, completion_tokens,
			 total_tokens, cached_tokens, reasoning_tokens, cost, execution_time, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Model, e.Username, e.CallerName, nullableString(e.Project),
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CachedTokens, e.ReasoningTokens,
		e.Cost, e.ExecutionTime, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: insert entry: %w", err)
	}
	return nil
}

func (b *Backend) Tail(ctx context.Context, n int) ([]storage.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, model, username, caller_name, IFNULL(project_name, ''), prompt_tokens,
		       completion_tokens, total_tokens, cached_tokens, reasoning_tokens, cost,
		       execution_time, timestamp
		FROM accounting_entries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tail: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var e storage.Entry
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.Model, &e.Username, &e.CallerName, &e.Project,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CachedTokens,
			&e.ReasoningTokens, &e.Cost, &e.ExecutionTime, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: tail scan: %w", err)
		}
		e.Timestamp = ts
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) Purge(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM accounting_entries`); err != nil {
		return fmt.Errorf("sqlite: purge entries: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM usage_limits`); err != nil {
		return fmt.Errorf("sqlite: purge limits: %w", err)
	}
	return nil
}

func (b *Backend) PeriodStats(ctx context.Context, start, end time.Time) (storage.PeriodStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			IFNULL(SUM(prompt_tokens), 0), IFNULL(SUM(completion_tokens), 0), IFNULL(SUM(total_tokens), 0),
			IFNULL(SUM(cost), 0), IFNULL(SUM(execution_time), 0),
			IFNULL(AVG(prompt_tokens), 0), IFNULL(AVG(completion_tokens), 0), IFNULL(AVG(total_tokens), 0),
			IFNULL(AVG(cost), 0), IFNULL(AVG(execution_time), 0)
		FROM accounting_entries WHERE timestamp >= ? AND timestamp < ?`, start.UTC(), end.UTC())

	var s storage.PeriodStats
	err := row.Scan(&s.SumPromptTokens, &s.SumCompletionTokens, &s.SumTotalTokens, &s.SumCost, &s.SumExecutionTime,
		&s.AvgPromptTokens, &s.AvgCompletionTokens, &s.AvgTotalTokens, &s.AvgCost, &s.AvgExecutionTime)
	if err != nil {
		return storage.PeriodStats{}, fmt.Errorf("sqlite: period stats: %w", err)
	}
	return s, nil
}

func (b *Backend) ModelStats(ctx context.Context, start, end time.Time) ([]storage.ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT model,
			IFNULL(SUM(prompt_tokens), 0), IFNULL(SUM(completion_tokens), 0), IFNULL(SUM(total_tokens), 0),
			IFNULL(SUM(cost), 0), IFNULL(SUM(execution_time), 0),
			IFNULL(AVG(prompt_tokens), 0), IFNULL(AVG(completion_tokens), 0), IFNULL(AVG(total_tokens), 0),
			IFNULL(AVG(cost), 0), IFNULL(AVG(execution_time), 0)
		FROM accounting_entries WHERE timestamp >= ? AND timestamp < ?
		GROUP BY model ORDER BY model`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: model stats: %w", err)
	}
	defer rows.Close()

	var out []storage.ModelStats
	for rows.Next() {
		var ms storage.ModelStats
		if err := rows.Scan(&ms.Model,
			&ms.Stats.SumPromptTokens, &ms.Stats.SumCompletionTokens, &ms.Stats.SumTotalTokens,
			&ms.Stats.SumCost, &ms.Stats.SumExecutionTime,
			&ms.Stats.AvgPromptTokens, &ms.Stats.AvgCompletionTokens, &ms.Stats.AvgTotalTokens,
			&ms.Stats.AvgCost, &ms.Stats.AvgExecutionTime); err != nil {
			return nil, fmt.Errorf("sqlite: model stats scan: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// aggregateColumn picks the SUM/COUNT expression for a quota limit type,
// mirroring usage_manager.py's get_accounting_entries_for_quota.
func aggregateColumn(t limit.Type) string {
	switch t {
	case limit.TypeRequests:
		return "COUNT(*)"
	case limit.TypeInputTokens:
		return "SUM(prompt_tokens)"
	case limit.TypeOutputTokens:
		return "SUM(completion_tokens)"
	case limit.TypeTotalTokens:
		return "SUM(total_tokens)"
	case limit.TypeCost:
		return "SUM(cost)"
	default:
		return "COUNT(*)"
	}
}

func (b *Backend) AggregateForQuota(ctx context.Context, q storage.QuotaQuery) (float64, error) {
	where, args := quotaWhere(q)
	query := fmt.Sprintf("SELECT %s FROM accounting_entries WHERE %s", aggregateColumn(q.LimitType), where)

	row := b.db.QueryRowContext(ctx, query, args...)
	var result sql.NullFloat64
	if err := row.Scan(&result); err != nil {
		return 0, fmt.Errorf("sqlite: aggregate for quota: %w", err)
	}
	if !result.Valid {
		return 0, nil
	}
	return result.Float64, nil
}

func (b *Backend) OldestEntryInWindow(ctx context.Context, q storage.QuotaQuery) (time.Time, bool, error) {
	where, args := quotaWhere(q)
	query := fmt.Sprintf("SELECT MIN(timestamp) FROM accounting_entries WHERE %s", where)

	row := b.db.QueryRowContext(ctx, query, args...)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: oldest entry: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time, true, nil
}

// quotaWhere renders the WHERE clause and bind args shared by
// AggregateForQuota and OldestEntryInWindow.
func quotaWhere(q storage.QuotaQuery) (string, []any) {
	endCmp := "<"
	if q.Rolling {
		endCmp = "<="
	}
	clauses := []string{"timestamp >= ?", fmt.Sprintf("timestamp %s ?", endCmp)}
	args := []any{q.Start.UTC(), q.End.UTC()}

	if q.Model != nil {
		clauses = append(clauses, "model = ?")
		args = append(args, *q.Model)
	}
	if q.Username != nil {
		clauses = append(clauses, "username = ?")
		args = append(args, *q.Username)
	}
	if q.CallerName != nil {
		clauses = append(clauses, "caller_name = ?")
		args = append(args, *q.CallerName)
	}
	switch {
	case q.Project != nil:
		clauses = append(clauses, "project_name = ?")
		args = append(args, *q.Project)
	case q.FilterProjectNull:
		clauses = append(clauses, "project_name IS NULL")
	}
	return strings.Join(clauses, " AND "), args
}

func (b *Backend) InsertUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO usage_limits
			(scope, limit_type, max_value, interval_unit, interval_value, model, username, caller_name, project_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Scope, l.LimitType, l.MaxValue, l.IntervalUnit, l.IntervalValue,
		l.Model, l.Username, l.CallerName, l.ProjectName, now, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert usage limit: %w", err)
	}
	return res.LastInsertId()
}

func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM usage_limits WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete usage limit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Scope != nil {
		clauses = append(clauses, "scope = ?")
		args = append(args, *f.Scope)
	}
	if f.Model != nil {
		clauses = append(clauses, "model = ?")
		args = append(args, *f.Model)
	}
	if f.Username != nil {
		clauses = append(clauses, "username = ?")
		args = append(args, *f.Username)
	}
	if f.CallerName != nil {
		clauses = append(clauses, "caller_name = ?")
		args = append(args, *f.CallerName)
	}
	if f.Project != nil {
		clauses = append(clauses, "project_name = ?")
		args = append(args, *f.Project)
	}

	query := fmt.Sprintf(`
		SELECT id, scope, limit_type, max_value, interval_unit, interval_value, model, username, caller_name, project_name, created_at, updated_at
		FROM usage_limits WHERE %s ORDER BY id`, strings.Join(clauses, " AND "))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get usage limits: %w", err)
	}
	defer rows.Close()

	var out []limit.UsageLimit
	for rows.Next() {
		var l limit.UsageLimit
		if err := rows.Scan(&l.ID, &l.Scope, &l.LimitType, &l.MaxValue, &l.IntervalUnit, &l.IntervalValue,
			&l.Model, &l.Username, &l.CallerName, &l.ProjectName, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: get usage limits scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) CreateProject(ctx context.Context, name string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `INSERT INTO projects (name, enabled, created_at, updated_at) VALUES (?, 1, ?, ?)`, name, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: create project: %w", err)
	}
	return nil
}

func (b *Backend) ListProjects(ctx context.Context) ([]storage.Project, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, enabled, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	defer rows.Close()

	var out []storage.Project
	for rows.Next() {
		var p storage.Project
		if err := rows.Scan(&p.Name, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: list projects scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *Backend) SetProjectActive(ctx context.Context, name string, active bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE projects SET enabled = ?, updated_at = ? WHERE name = ?`, active, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("sqlite: set project active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("sqlite: delete project: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) CreateUser(ctx context.Context, name, ouName, email string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO users (user_name, ou_name, email, enabled, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		name, nullableString(ouName), nullableString(email), now, now)
	if err != nil {
		return fmt.Errorf("sqlite: create user: %w", err)
	}
	return nil
}

func (b *Backend) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT user_name, IFNULL(ou_name,''), IFNULL(email,''), enabled, created_at, updated_at FROM users ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	defer rows.Close()

	var out []storage.User
	for rows.Next() {
		var u storage.User
		if err := rows.Scan(&u.Name, &u.OUName, &u.Email, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: list users scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *Backend) SetUserActive(ctx context.Context, name string, active bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE users SET enabled = ?, updated_at = ? WHERE user_name = ?`, active, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("sqlite: set user active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) DeleteUser(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM users WHERE user_name = ?`, name)
	if err != nil {
		return fmt.Errorf("sqlite: delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
