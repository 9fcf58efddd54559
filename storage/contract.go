// Package storage defines the backend contract every concrete accounting
// store (SQLite, PostgreSQL, CSV) implements: accounting entry insert/scan,
// the quota aggregation driver, usage-limit CRUD, and the project/user
// directory.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AlfredDev/quota-core/limit"
)

// Entry is a single accounting record (spec.md §3 "Accounting entry").
type Entry struct {
	ID               int64
	Model            string
	Username         string
	CallerName       string
	Project          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens       int
	Cost              float64
	ExecutionTime     float64
	Timestamp         time.Time
	CachedTokens      int
	ReasoningTokens   int
}

// PeriodStats is an aggregate over a time window.
type PeriodStats struct {
	SumPromptTokens     int64
	SumCompletionTokens int64
	SumTotalTokens      int64
	SumCost             float64
	SumExecutionTime    float64
	AvgPromptTokens     float64
	AvgCompletionTokens float64
	AvgTotalTokens      float64
	AvgCost             float64
	AvgExecutionTime    float64
}

// ModelStats pairs a model name with its aggregate over a window.
type ModelStats struct {
	Model string
	Stats PeriodStats
}

// LimitFilter narrows a usage-limit listing; zero values mean "no filter
// on this dimension" (distinct from a limit's own dimensional filters).
type LimitFilter struct {
	Scope      *limit.Scope
	Model      *string
	Username   *string
	CallerName *string
	Project    *string
}

// QuotaQuery is the aggregation-driver request behind
// get_accounting_entries_for_quota (spec.md §4.3).
type QuotaQuery struct {
	Start     time.Time
	End       time.Time
	Rolling   bool // selects the end-boundary comparator: <= when true, < when false
	LimitType limit.Type

	Model      *string // nil: unconstrained: "": wildcard sentinel is resolved by the caller
	Username   *string
	CallerName *string

	// Project has tri-valued semantics distinct from the other dimensions
	// (spec.md §4.6 PROJECT-scope note): Project == nil && !FilterProjectNull
	// means unconstrained; FilterProjectNull == true means "project IS
	// NULL"; Project != nil means an equality predicate.
	Project          *string
	FilterProjectNull bool
}

// Project and User are directory entries (spec.md §3).
type Project struct {
	Name      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	Name      string
	OUName    string
	Email     string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound is returned by single-row lookups (limit, project, user)
	// that find nothing matching.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned by directory creates on a name collision.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Backend is the full storage contract. A context.Context threads through
// every call so the SQL-backed implementations can honor cancellation and
// timeouts; the CSV backend accepts but does not otherwise use it.
type Backend interface {
	Initialize(ctx context.Context) error
	Close() error

	InsertEntry(ctx context.Context, e Entry) error
	Tail(ctx context.Context, n int) ([]Entry, error)
	Purge(ctx context.Context) error

	PeriodStats(ctx context.Context, start, end time.Time) (PeriodStats, error)
	ModelStats(ctx context.Context, start, end time.Time) ([]ModelStats, error)

	// AggregateForQuota is the hot path consulted on every quota check: it
	// must never return an error for "no rows" — the answer is 0.
	AggregateForQuota(ctx context.Context, q QuotaQuery) (float64, error)
	// OldestEntryInWindow returns the timestamp of the oldest accounting
	// entry matching q's dimensional filters within [q.Start, q.End]. The
	// evaluator does not call it; the quota decision uses only
	// AggregateForQuota (spec.md §4.6's "pure function of (limit,
	// current_usage, request_value)" invariant).
	OldestEntryInWindow(ctx context.Context, q QuotaQuery) (time.Time, bool, error)

	InsertUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error)
	DeleteUsageLimit(ctx context.Context, id int64) error
	GetUsageLimits(ctx context.Context, f LimitFilter) ([]limit.UsageLimit, error)

	CreateProject(ctx context.Context, name string) error
	ListProjects(ctx context.Context) ([]Project, error)
	SetProjectActive(ctx context.Context, name string, active bool) error
	DeleteProject(ctx context.Context, name string) error

	CreateUser(ctx context.Context, name, ouName, email string) error
	ListUsers(ctx context.Context) ([]User, error)
	SetUserActive(ctx context.Context, name string, active bool) error
	DeleteUser(ctx context.Context, name string) error
}
