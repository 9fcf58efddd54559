// Package postgres is the PostgreSQL storage backend: a jackc/pgx/v5 pool
// for the runtime connection, schema bring-up via golang-migrate gated by
// storage/migrate.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
	storagemigrate "github.com/AlfredDev/quota-core/storage/migrate"
)

var _ storage.Backend = (*Backend)(nil)

// Backend implements storage.Backend against PostgreSQL via a pgx pool.
type Backend struct {
	pool       *pgxpool.Pool
	dsn        string
	migrations string
	gate       *storagemigrate.Gate
}

// New opens a connection pool against dsn without yet running migrations;
// call Initialize to bring the schema up.
func New(ctx context.Context, dsn, migrationsDir, cachePath string) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Backend{
		pool:       pool,
		dsn:        dsn,
		migrations: migrationsDir,
		gate:       storagemigrate.NewGate(cachePath),
	}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	// golang-migrate's postgres driver needs a database/sql handle, not a
	// pgx pool; open a second, migration-only connection via the pgx
	// stdlib adapter registered above.
	sqlDB, err := sql.Open("pgx", b.dsn)
	if err != nil {
		return fmt.Errorf("postgres: migration conn: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", b.migrations), "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migration instance: %w", err)
	}
	defer m.Close()

	return b.gate.Ensure(m, b.dsn)
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) InsertEntry(ctx context.Context, e storage.Entry) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO accounting_entries
			(model, username, caller_name, project_name, prompt_tokens, completion_tokens,
			 total_tokens, cached_tokens, reasoning_tokens, cost, execution_time, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.Model, e.Username, e.CallerName, nullableString(e.Project),
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CachedTokens, e.ReasoningTokens,
		e.Cost, e.ExecutionTime, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("postgres: insert entry: %w", err)
	}
	return nil
}

func (b *Backend) Tail(ctx context.Context, n int) ([]storage.Entry, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, model, username, caller_name, COALESCE(project_name, ''), prompt_tokens,
		       completion_tokens, total_tokens, cached_tokens, reasoning_tokens, cost,
		       execution_time, timestamp
		FROM accounting_entries ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: tail: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.ID, &e.Model, &e.Username, &e.CallerName, &e.Project,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CachedTokens,
			&e.ReasoningTokens, &e.Cost, &e.ExecutionTime, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: tail scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) Purge(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM accounting_entries`); err != nil {
		return fmt.Errorf("postgres: purge entries: %w", err)
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM usage_limits`); err != nil {
		return fmt.Errorf("postgres: purge limits: %w", err)
	}
	return nil
}

func (b *Backend) PeriodStats(ctx context.Context, start, end time.Time) (storage.PeriodStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0), COALESCE(SUM(execution_time), 0),
			COALESCE(AVG(prompt_tokens), 0), COALESCE(AVG(completion_tokens), 0), COALESCE(AVG(total_tokens), 0),
			COALESCE(AVG(cost), 0), COALESCE(AVG(execution_time), 0)
		FROM accounting_entries WHERE timestamp >= $1 AND timestamp < $2`, start.UTC(), end.UTC())

	var s storage.PeriodStats
	err := row.Scan(&s.SumPromptTokens, &s.SumCompletionTokens, &s.SumTotalTokens, &s.SumCost, &s.SumExecutionTime,
		&s.AvgPromptTokens, &s.AvgCompletionTokens, &s.AvgTotalTokens, &s.AvgCost, &s.AvgExecutionTime)
	if err != nil {
		return storage.PeriodStats{}, fmt.Errorf("postgres: period stats: %w", err)
	}
	return s, nil
}

func (b *Backend) ModelStats(ctx context.Context, start, end time.Time) ([]storage.ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT model,
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0), COALESCE(SUM(execution_time), 0),
			COALESCE(AVG(prompt_tokens), 0), COALESCE(AVG(completion_tokens), 0), COALESCE(AVG(total_tokens), 0),
			COALESCE(AVG(cost), 0), COALESCE(AVG(execution_time), 0)
		FROM accounting_entries WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY model ORDER BY model`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: model stats: %w", err)
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
			return nil, fmt.Errorf("postgres: model stats scan: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

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

	row := b.pool.QueryRow(ctx, query, args...)
	var result *float64
	if err := row.Scan(&result); err != nil {
		return 0, fmt.Errorf("postgres: aggregate for quota: %w", err)
	}
	if result == nil {
		return 0, nil
	}
	return *result, nil
}

func (b *Backend) OldestEntryInWindow(ctx context.Context, q storage.QuotaQuery) (time.Time, bool, error) {
	where, args := quotaWhere(q)
	query := fmt.Sprintf("SELECT MIN(timestamp) FROM accounting_entries WHERE %s", where)

	row := b.pool.QueryRow(ctx, query, args...)
	var ts *time.Time
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: oldest entry: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func quotaWhere(q storage.QuotaQuery) (string, []any) {
	endCmp := "<"
	if q.Rolling {
		endCmp = "<="
	}
	clauses := []string{"timestamp >= $1", fmt.Sprintf("timestamp %s $2", endCmp)}
	args := []any{q.Start.UTC(), q.End.UTC()}
	n := 2

	add := func(clause string, arg any) {
		n++
		clauses = append(clauses, fmt.Sprintf(clause, n))
		args = append(args, arg)
	}

	if q.Model != nil {
		add("model = $%d", *q.Model)
	}
	if q.Username != nil {
		add("username = $%d", *q.Username)
	}
	if q.CallerName != nil {
		add("caller_name = $%d", *q.CallerName)
	}
	switch {
	case q.Project != nil:
		add("project_name = $%d", *q.Project)
	case q.FilterProjectNull:
		clauses = append(clauses, "project_name IS NULL")
	}
	return strings.Join(clauses, " AND "), args
}

func (b *Backend) InsertUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := b.pool.QueryRow(ctx, `
		INSERT INTO usage_limits
			(scope, limit_type, max_value, interval_unit, interval_value, model, username, caller_name, project_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		l.Scope, l.LimitType, l.MaxValue, l.IntervalUnit, l.IntervalValue,
		l.Model, l.Username, l.CallerName, l.ProjectName, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert usage limit: %w", err)
	}
	return id, nil
}

func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM usage_limits WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete usage limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	clauses := []string{"1=1"}
	var args []any
	n := 0
	add := func(clause string, arg any) {
		n++
		clauses = append(clauses, fmt.Sprintf(clause, n))
		args = append(args, arg)
	}
	if f.Scope != nil {
		add("scope = $%d", *f.Scope)
	}
	if f.Model != nil {
		add("model = $%d", *f.Model)
	}
	if f.Username != nil {
		add("username = $%d", *f.Username)
	}
	if f.CallerName != nil {
		add("caller_name = $%d", *f.CallerName)
	}
	if f.Project != nil {
		add("project_name = $%d", *f.Project)
	}

	query := fmt.Sprintf(`
		SELECT id, scope, limit_type, max_value, interval_unit, interval_value, model, username, caller_name, project_name, created_at, updated_at
		FROM usage_limits WHERE %s ORDER BY id`, strings.Join(clauses, " AND "))

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get usage limits: %w", err)
	}
	defer rows.Close()

	var out []limit.UsageLimit
	for rows.Next() {
		var l limit.UsageLimit
		if err := rows.Scan(&l.ID, &l.Scope, &l.LimitType, &l.MaxValue, &l.IntervalUnit, &l.IntervalValue,
			&l.Model, &l.Username, &l.CallerName, &l.ProjectName, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: get usage limits scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) CreateProject(ctx context.Context, name string) error {
	now := time.Now().UTC()
	_, err := b.pool.Exec(ctx, `INSERT INTO projects (name, enabled, created_at, updated_at) VALUES ($1, TRUE, $2, $3)`, name, now, now)
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

func (b *Backend) ListProjects(ctx context.Context) ([]storage.Project, error) {
	rows, err := b.pool.Query(ctx, `SELECT name, enabled, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list projects: %w", err)
	}
	defer rows.Close()

	var out []storage.Project
	for rows.Next() {
		var p storage.Project
		if err := rows.Scan(&p.Name, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list projects scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *Backend) SetProjectActive(ctx context.Context, name string, active bool) error {
	tag, err := b.pool.Exec(ctx, `UPDATE projects SET enabled = $1, updated_at = $2 WHERE name = $3`, active, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("postgres: set project active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM projects WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("postgres: delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) CreateUser(ctx context.Context, name, ouName, email string) error {
	now := time.Now().UTC()
	_, err := b.pool.Exec(ctx, `
		INSERT INTO users (user_name, ou_name, email, enabled, created_at, updated_at) VALUES ($1, $2, $3, TRUE, $4, $5)`,
		name, nullableString(ouName), nullableString(email), now, now)
	if err != nil {
		return fmt.Errorf("postgres: create user: %w", err)
	}
	return nil
}

func (b *Backend) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := b.pool.Query(ctx, `SELECT user_name, COALESCE(ou_name,''), COALESCE(email,''), enabled, created_at, updated_at FROM users ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var out []storage.User
	for rows.Next() {
		var u storage.User
		if err := rows.Scan(&u.Name, &u.OUName, &u.Email, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list users scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *Backend) SetUserActive(ctx context.Context, name string, active bool) error {
	tag, err := b.pool.Exec(ctx, `UPDATE users SET enabled = $1, updated_at = $2 WHERE user_name = $3`, active, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("postgres: set user active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) DeleteUser(ctx context.Context, name string) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM users WHERE user_name = $1`, name)
	if err != nil {
		return fmt.Errorf("postgres: delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
