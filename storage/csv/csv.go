// Package csv is an append-only, file-based storage backend for small
// deployments and export/debugging. Reads are full file scans — correct,
// not indexed — documented as unsuitable for high request volume.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

var _ storage.Backend = (*Backend)(nil)

var accountingFieldnames = []string{
	"id", "model", "username", "caller_name", "project_name",
	"prompt_tokens", "completion_tokens", "total_tokens", "cached_tokens", "reasoning_tokens",
	"cost", "execution_time", "timestamp",
}

var limitsFieldnames = []string{
	"id", "scope", "limit_type", "max_value", "interval_unit", "interval_value",
	"model", "username", "caller_name", "project_name", "created_at", "updated_at",
}

var projectsFieldnames = []string{"name", "enabled", "created_at", "updated_at"}
var usersFieldnames = []string{"user_name", "ou_name", "email", "enabled", "created_at", "updated_at"}

// Backend persists every table as its own flat CSV file under dataDir.
// Every mutation takes this Backend's mutex; inserts append one row, while
// updates, deletes and purge rewrite the affected file in full. This
// backend suits small deployments and export/debug use, not high request
// volume.
type Backend struct {
	mu sync.Mutex

	dataDir        string
	accountingFile string
	limitsFile     string
	projectsFile   string
	usersFile      string

	nextEntryID int64
	nextLimitID int64
}

// New returns a backend rooted at dataDir; call Initialize to create the
// files and headers if they don't already exist.
func New(dataDir string) *Backend {
	return &Backend{
		dataDir:        dataDir,
		accountingFile: filepath.Join(dataDir, "accounting.csv"),
		limitsFile:     filepath.Join(dataDir, "limits.csv"),
		projectsFile:   filepath.Join(dataDir, "projects.csv"),
		usersFile:      filepath.Join(dataDir, "users.csv"),
		nextEntryID:    1,
		nextLimitID:    1,
	}
}

func (b *Backend) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return fmt.Errorf("csv: creating data dir: %w", err)
	}
	for _, f := range []struct {
		path   string
		header []string
	}{
		{b.accountingFile, accountingFieldnames},
		{b.limitsFile, limitsFieldnames},
		{b.projectsFile, projectsFieldnames},
		{b.usersFile, usersFieldnames},
	} {
		if err := ensureFileWithHeader(f.path, f.header); err != nil {
			return err
		}
	}

	entries, err := b.readAccounting()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID >= b.nextEntryID {
			b.nextEntryID = e.ID + 1
		}
	}
	limits, err := b.readLimits()
	if err != nil {
		return err
	}
	for _, l := range limits {
		if l.ID >= b.nextLimitID {
			b.nextLimitID = l.ID + 1
		}
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func ensureFileWithHeader(path string, header []string) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: creating %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write(header)
}

func (b *Backend) InsertEntry(ctx context.Context, e storage.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.ID = b.nextEntryID
	b.nextEntryID++

	f, err := os.OpenFile(b.accountingFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv: open accounting file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{
		strconv.FormatInt(e.ID, 10), e.Model, e.Username, e.CallerName, e.Project,
		strconv.Itoa(e.PromptTokens), strconv.Itoa(e.CompletionTokens), strconv.Itoa(e.TotalTokens),
		strconv.Itoa(e.CachedTokens), strconv.Itoa(e.ReasoningTokens),
		strconv.FormatFloat(e.Cost, 'f', -1, 64), strconv.FormatFloat(e.ExecutionTime, 'f', -1, 64),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (b *Backend) readAccounting() ([]storage.Entry, error) {
	rows, err := readRows(b.accountingFile)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Entry, 0, len(rows))
	for _, r := range rows {
		id, _ := strconv.ParseInt(r[0], 10, 64)
		prompt, _ := strconv.Atoi(r[5])
		completion, _ := strconv.Atoi(r[6])
		total, _ := strconv.Atoi(r[7])
		cached, _ := strconv.Atoi(r[8])
		reasoning, _ := strconv.Atoi(r[9])
		cost, _ := strconv.ParseFloat(r[10], 64)
		execTime, _ := strconv.ParseFloat(r[11], 64)
		ts, _ := time.Parse(time.RFC3339Nano, r[12])
		out = append(out, storage.Entry{
			ID: id, Model: r[1], Username: r[2], CallerName: r[3], Project: r[4],
			PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total,
			CachedTokens: cached, ReasoningTokens: reasoning,
			Cost: cost, ExecutionTime: execTime, Timestamp: ts,
		})
	}
	return out, nil
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: read %s: %w", path, err)
	}
	if len(all) <= 1 {
		return nil, nil
	}
	return all[1:], nil
}

func (b *Backend) Tail(ctx context.Context, n int) ([]storage.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.readAccounting()
	if err != nil {
		return nil, err
	}
	if n >= len(entries) {
		n = len(entries)
	}
	out := make([]storage.Entry, n)
	for i := 0; i < n; i++ {
		out[i] = entries[len(entries)-n+i]
	}
	// Report most-recent-first, matching the SQL backends' ORDER BY id DESC.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *Backend) Purge(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := writeRows(b.accountingFile, accountingFieldnames, nil); err != nil {
		return err
	}
	if err := writeRows(b.limitsFile, limitsFieldnames, nil); err != nil {
		return err
	}
	return nil
}

func writeRows(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: rewrite %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write(header); err != nil {
		return err
	}
	return w.WriteAll(rows)
}

func (b *Backend) PeriodStats(ctx context.Context, start, end time.Time) (storage.PeriodStats, error) {
	b.mu.Lock()
	entries, err := b.readAccounting()
	b.mu.Unlock()
	if err != nil {
		return storage.PeriodStats{}, err
	}

	var s storage.PeriodStats
	var n int64
	for _, e := range entries {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		n++
		s.SumPromptTokens += int64(e.PromptTokens)
		s.SumCompletionTokens += int64(e.CompletionTokens)
		s.SumTotalTokens += int64(e.TotalTokens)
		s.SumCost += e.Cost
		s.SumExecutionTime += e.ExecutionTime
	}
	if n > 0 {
		s.AvgPromptTokens = float64(s.SumPromptTokens) / float64(n)
		s.AvgCompletionTokens = float64(s.SumCompletionTokens) / float64(n)
		s.AvgTotalTokens = float64(s.SumTotalTokens) / float64(n)
		s.AvgCost = s.SumCost / float64(n)
		s.AvgExecutionTime = s.SumExecutionTime / float64(n)
	}
	return s, nil
}

func (b *Backend) ModelStats(ctx context.Context, start, end time.Time) ([]storage.ModelStats, error) {
	b.mu.Lock()
	entries, err := b.readAccounting()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byModel := map[string]*storage.PeriodStats{}
	counts := map[string]int64{}
	var order []string
	for _, e := range entries {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		s, ok := byModel[e.Model]
		if !ok {
			s = &storage.PeriodStats{}
			byModel[e.Model] = s
			order = append(order, e.Model)
		}
		counts[e.Model]++
		s.SumPromptTokens += int64(e.PromptTokens)
		s.SumCompletionTokens += int64(e.CompletionTokens)
		s.SumTotalTokens += int64(e.TotalTokens)
		s.SumCost += e.Cost
		s.SumExecutionTime += e.ExecutionTime
	}

	out := make([]storage.ModelStats, 0, len(order))
	for _, m := range order {
		s := *byModel[m]
		n := float64(counts[m])
		s.AvgPromptTokens = float64(s.SumPromptTokens) / n
		s.AvgCompletionTokens = float64(s.SumCompletionTokens) / n
		s.AvgTotalTokens = float64(s.SumTotalTokens) / n
		s.AvgCost = s.SumCost / n
		s.AvgExecutionTime = s.SumExecutionTime / n
		out = append(out, storage.ModelStats{Model: m, Stats: s})
	}
	return out, nil
}

func matchesQuotaQuery(e storage.Entry, q storage.QuotaQuery) bool {
	if e.Timestamp.Before(q.Start) {
		return false
	}
	if q.Rolling {
		if e.Timestamp.After(q.End) {
			return false
		}
	} else if !e.Timestamp.Before(q.End) {
		return false
	}
	if q.Model != nil && e.Model != *q.Model {
		return false
	}
	if q.Username != nil && e.Username != *q.Username {
		return false
	}
	if q.CallerName != nil && e.CallerName != *q.CallerName {
		return false
	}
	switch {
	case q.Project != nil:
		if e.Project != *q.Project {
			return false
		}
	case q.FilterProjectNull:
		if e.Project != "" {
			return false
		}
	}
	return true
}

func requestValueFor(t limit.Type, e storage.Entry) float64 {
	switch t {
	case limit.TypeRequests:
		return 1
	case limit.TypeInputTokens:
		return float64(e.PromptTokens)
	case limit.TypeOutputTokens:
		return float64(e.CompletionTokens)
	case limit.TypeTotalTokens:
		return float64(e.TotalTokens)
	case limit.TypeCost:
		return e.Cost
	default:
		return 0
	}
}

func (b *Backend) AggregateForQuota(ctx context.Context, q storage.QuotaQuery) (float64, error) {
	b.mu.Lock()
	entries, err := b.readAccounting()
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var total float64
	for _, e := range entries {
		if matchesQuotaQuery(e, q) {
			total += requestValueFor(q.LimitType, e)
		}
	}
	return total, nil
}

func (b *Backend) OldestEntryInWindow(ctx context.Context, q storage.QuotaQuery) (time.Time, bool, error) {
	b.mu.Lock()
	entries, err := b.readAccounting()
	b.mu.Unlock()
	if err != nil {
		return time.Time{}, false, err
	}

	var oldest time.Time
	found := false
	for _, e := range entries {
		if !matchesQuotaQuery(e, q) {
			continue
		}
		if !found || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
			found = true
		}
	}
	return oldest, found, nil
}

func (b *Backend) readLimits() ([]limit.UsageLimit, error) {
	rows, err := readRows(b.limitsFile)
	if err != nil {
		return nil, err
	}
	out := make([]limit.UsageLimit, 0, len(rows))
	for _, r := range rows {
		id, _ := strconv.ParseInt(r[0], 10, 64)
		maxVal, _ := strconv.ParseFloat(r[3], 64)
		interval, _ := strconv.Atoi(r[5])
		createdAt, _ := time.Parse(time.RFC3339Nano, r[10])
		updatedAt, _ := time.Parse(time.RFC3339Nano, r[11])
		out = append(out, limit.UsageLimit{
			ID:            id,
			Scope:         limit.Scope(r[1]),
			LimitType:     limit.Type(r[2]),
			MaxValue:      maxVal,
			IntervalUnit:  limit.Unit(r[4]),
			IntervalValue: interval,
			Model:         stringPtrOrNil(r[6]),
			Username:      stringPtrOrNil(r[7]),
			CallerName:    stringPtrOrNil(r[8]),
			ProjectName:   stringPtrOrNil(r[9]),
			CreatedAt:     createdAt,
			UpdatedAt:     updatedAt,
		})
	}
	return out, nil
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func limitToRow(l limit.UsageLimit) []string {
	return []string{
		strconv.FormatInt(l.ID, 10), string(l.Scope), string(l.LimitType),
		strconv.FormatFloat(l.MaxValue, 'f', -1, 64), string(l.IntervalUnit), strconv.Itoa(l.IntervalValue),
		derefOr(l.Model, ""), derefOr(l.Username, ""), derefOr(l.CallerName, ""), derefOr(l.ProjectName, ""),
		l.CreatedAt.UTC().Format(time.RFC3339Nano), l.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (b *Backend) InsertUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l.ID = b.nextLimitID
	b.nextLimitID++
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	f, err := os.OpenFile(b.limitsFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("csv: open limits file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write(limitToRow(l)); err != nil {
		return 0, err
	}
	return l.ID, nil
}

func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	limits, err := b.readLimits()
	if err != nil {
		return err
	}
	kept := limits[:0]
	found := false
	for _, l := range limits {
		if l.ID == id {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	if !found {
		return storage.ErrNotFound
	}
	rows := make([][]string, len(kept))
	for i, l := range kept {
		rows[i] = limitToRow(l)
	}
	return writeRows(b.limitsFile, limitsFieldnames, rows)
}

func (b *Backend) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	b.mu.Lock()
	limits, err := b.readLimits()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []limit.UsageLimit
	for _, l := range limits {
		if f.Scope != nil && l.Scope != *f.Scope {
			continue
		}
		if f.Model != nil && (l.Model == nil || *l.Model != *f.Model) {
			continue
		}
		if f.Username != nil && (l.Username == nil || *l.Username != *f.Username) {
			continue
		}
		if f.CallerName != nil && (l.CallerName == nil || *l.CallerName != *f.CallerName) {
			continue
		}
		if f.Project != nil && (l.ProjectName == nil || *l.ProjectName != *f.Project) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Backend) readProjects() ([]storage.Project, error) {
	rows, err := readRows(b.projectsFile)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Project, 0, len(rows))
	for _, r := range rows {
		created, _ := time.Parse(time.RFC3339Nano, r[2])
		updated, _ := time.Parse(time.RFC3339Nano, r[3])
		out = append(out, storage.Project{Name: r[0], Enabled: r[1] == "true", CreatedAt: created, UpdatedAt: updated})
	}
	return out, nil
}

func projectToRow(p storage.Project) []string {
	return []string{p.Name, strconv.FormatBool(p.Enabled), p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UTC().Format(time.RFC3339Nano)}
}

func (b *Backend) CreateProject(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.readProjects()
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p.Name == name {
			return storage.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	f, err := os.OpenFile(b.projectsFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv: open projects file: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write(projectToRow(storage.Project{Name: name, Enabled: true, CreatedAt: now, UpdatedAt: now}))
}

func (b *Backend) ListProjects(ctx context.Context) ([]storage.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readProjects()
}

func (b *Backend) SetProjectActive(ctx context.Context, name string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	projects, err := b.readProjects()
	if err != nil {
		return err
	}
	found := false
	rows := make([][]string, 0, len(projects))
	for _, p := range projects {
		if p.Name == name {
			found = true
			p.Enabled = active
			p.UpdatedAt = time.Now().UTC()
		}
		rows = append(rows, projectToRow(p))
	}
	if !found {
		return storage.ErrNotFound
	}
	return writeRows(b.projectsFile, projectsFieldnames, rows)
}

func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	projects, err := b.readProjects()
	if err != nil {
		return err
	}
	found := false
	var rows [][]string
	for _, p := range projects {
		if p.Name == name {
			found = true
			continue
		}
		rows = append(rows, projectToRow(p))
	}
	if !found {
		return storage.ErrNotFound
	}
	return writeRows(b.projectsFile, projectsFieldnames, rows)
}

func (b *Backend) readUsers() ([]storage.User, error) {
	rows, err := readRows(b.usersFile)
	if err != nil {
		return nil, err
	}
	out := make([]storage.User, 0, len(rows))
	for _, r := range rows {
		created, _ := time.Parse(time.RFC3339Nano, r[4])
		updated, _ := time.Parse(time.RFC3339Nano, r[5])
		out = append(out, storage.User{Name: r[0], OUName: r[1], Email: r[2], Enabled: r[3] == "true", CreatedAt: created, UpdatedAt: updated})
	}
	return out, nil
}

func userToRow(u storage.User) []string {
	return []string{
		u.Name, u.OUName, u.Email, strconv.FormatBool(u.Enabled),
		u.CreatedAt.UTC().Format(time.RFC3339Nano), u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (b *Backend) CreateUser(ctx context.Context, name, ouName, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.readUsers()
	if err != nil {
		return err
	}
	for _, u := range existing {
		if u.Name == name {
			return storage.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	f, err := os.OpenFile(b.usersFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv: open users file: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write(userToRow(storage.User{Name: name, OUName: ouName, Email: email, Enabled: true, CreatedAt: now, UpdatedAt: now}))
}

func (b *Backend) ListUsers(ctx context.Context) ([]storage.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readUsers()
}

func (b *Backend) SetUserActive(ctx context.Context, name string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	users, err := b.readUsers()
	if err != nil {
		return err
	}
	found := false
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		if u.Name == name {
			found = true
			u.Enabled = active
			u.UpdatedAt = time.Now().UTC()
		}
		rows = append(rows, userToRow(u))
	}
	if !found {
		return storage.ErrNotFound
	}
	return writeRows(b.usersFile, usersFieldnames, rows)
}

func (b *Backend) DeleteUser(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	users, err := b.readUsers()
	if err != nil {
		return err
	}
	found := false
	var rows [][]string
	for _, u := range users {
		if u.Name == name {
			found = true
			continue
		}
		rows = append(rows, userToRow(u))
	}
	if !found {
		return storage.ErrNotFound
	}
	return writeRows(b.usersFile, usersFieldnames, rows)
}
