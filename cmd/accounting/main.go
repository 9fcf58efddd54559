// Command accounting is the CLI surface of spec.md §6.2: a thin dispatcher
// over the accounting facade, one subcommand per operation, backed by
// whichever storage.Backend the environment selects.
//
// Usage:
//
//	accounting track --model gpt-4 --prompt-tokens 100 --completion-tokens 50
//	accounting tail --n 20
//	accounting stats --since 24h
//	accounting purge
//	accounting select --model gpt-4 --username alice
//	accounting limits add --scope global --type requests --max 1000 --unit minute --value 1
//	accounting limits view
//	accounting limits delete --id 4
//	accounting users add --name alice --email alice@example.com
//	accounting users list
//	accounting users update --name alice --enabled=false
//	accounting users deactivate --name alice
//	accounting projects add --name team-a
//	accounting projects list
//	accounting projects update --name team-a --enabled=false
//	accounting projects delete --name team-a
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/AlfredDev/quota-core/accounting"
	"github.com/AlfredDev/quota-core/config"
	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/quota"
	"github.com/AlfredDev/quota-core/storage"
	"github.com/AlfredDev/quota-core/storage/csv"
	"github.com/AlfredDev/quota-core/storage/postgres"
	"github.com/AlfredDev/quota-core/storage/sqlite"
)

// Exit codes per spec.md §6.2: 0 success, 1 usage/validation error, 2
// operational failure (backend unreachable, unexpected error).
const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}

	cfg := config.Load()
	backend, err := openBackend(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting: open backend:", err)
		return exitFailure
	}

	ctx := context.Background()
	acct, err := accounting.Open(ctx, backend,
		accounting.WithEnforcement(cfg.EnforceProjectNames, cfg.EnforceUserNames),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting: open facade:", err)
		return exitFailure
	}
	defer acct.Close()

	switch args[0] {
	case "track":
		return cmdTrack(ctx, acct, args[1:])
	case "tail":
		return cmdTail(ctx, acct, args[1:])
	case "stats":
		return cmdStats(ctx, acct, args[1:])
	case "purge":
		return cmdPurge(ctx, acct, args[1:])
	case "select":
		return cmdSelect(ctx, acct, args[1:])
	case "limits":
		return cmdLimits(ctx, acct, args[1:])
	case "users":
		return cmdUsers(ctx, acct, args[1:])
	case "projects":
		return cmdProjects(ctx, acct, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "accounting: unknown command %q\n", args[0])
		printUsage()
		return exitUsage
	}
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return sqlite.New(cfg.DatabaseURL, "storage/sqlite/migrations", "data/migration_status.json")
	case "postgres":
		return postgres.New(context.Background(), cfg.DatabaseURL, "storage/postgres/migrations", "data/migration_status.json")
	case "csv":
		return csv.New(cfg.CSVDataDir), nil
	default:
		return nil, fmt.Errorf("unknown ACCOUNTING_BACKEND %q (want sqlite, postgres, or csv)", cfg.Backend)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `accounting — usage accounting and quota enforcement CLI

Usage:
  accounting <command> [flags]

Commands:
  track       record one accounting entry
  tail        print the most recent accounting entries
  stats       print aggregate stats over a window
  purge       delete every accounting entry and usage limit
  select      check_quota_enhanced against the configured limits
  limits      add|view|delete usage limits
  users       add|list|update|deactivate user directory entries
  projects    add|list|update|delete project directory entries
  help        show this message

Configuration is read from the environment (and an optional .env file);
see config.Config for the full list of ACCOUNTING_* variables.
`)
}

func cmdTrack(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	model := fs.String("model", "", "model name (required)")
	username := fs.String("username", "", "end-user name")
	caller := fs.String("caller-name", "", "calling application/service name")
	project := fs.String("project", "", "project name")
	promptTokens := fs.Int("prompt-tokens", 0, "prompt token count")
	completionTokens := fs.Int("completion-tokens", 0, "completion token count")
	totalTokens := fs.Int("total-tokens", 0, "total token count (defaults to prompt+completion)")
	cost := fs.Float64("cost", 0, "USD cost (estimated from pricing if omitted and a pricing table is configured)")
	execTime := fs.Float64("execution-time", 0, "wall-clock seconds the call took")
	cachedTokens := fs.Int("cached-tokens", 0, "cached/prefix-hit token count")
	reasoningTokens := fs.Int("reasoning-tokens", 0, "reasoning token count")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *model == "" {
		fmt.Fprintln(os.Stderr, "accounting track: --model is required")
		return exitUsage
	}

	err := acct.TrackUsage(ctx, accounting.UsageRecord{
		Model:            *model,
		Username:         *username,
		CallerName:       *caller,
		Project:          *project,
		PromptTokens:     *promptTokens,
		CompletionTokens: *completionTokens,
		TotalTokens:      *totalTokens,
		Cost:             *cost,
		ExecutionTime:    *execTime,
		CachedTokens:     *cachedTokens,
		ReasoningTokens:  *reasoningTokens,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting track:", err)
		return classifyError(err)
	}
	return exitOK
}

func cmdTail(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	n := fs.Int("n", 10, "number of entries to print")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	entries, err := acct.Tail(ctx, *n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting tail:", err)
		return exitFailure
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\tprompt=%d completion=%d total=%d cost=%.4f\n",
			e.ID, e.Timestamp.Format(time.RFC3339), e.Model, e.Username, e.CallerName,
			e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost)
	}
	return exitOK
}

func cmdStats(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	since := fs.Duration("since", 24*time.Hour, "window size, counted back from now")
	byModel := fs.Bool("by-model", false, "break the window down per model")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	end := time.Now().UTC()
	start := end.Add(-*since)

	if *byModel {
		stats, err := acct.ModelStats(ctx, start, end)
		if err != nil {
			fmt.Fprintln(os.Stderr, "accounting stats:", err)
			return exitFailure
		}
		for _, s := range stats {
			fmt.Printf("%s\ttokens=%d cost=%.4f\n", s.Model, s.Stats.SumTotalTokens, s.Stats.SumCost)
		}
		return exitOK
	}

	stats, err := acct.PeriodStats(ctx, start, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting stats:", err)
		return exitFailure
	}
	fmt.Printf("prompt_tokens=%d completion_tokens=%d total_tokens=%d cost=%.4f avg_execution_time=%.3f\n",
		stats.SumPromptTokens, stats.SumCompletionTokens, stats.SumTotalTokens, stats.SumCost, stats.AvgExecutionTime)
	return exitOK
}

func cmdPurge(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	confirm := fs.Bool("yes", false, "confirm the destructive purge")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*confirm {
		fmt.Fprintln(os.Stderr, "accounting purge: pass --yes to confirm deleting every accounting entry and usage limit")
		return exitUsage
	}
	if err := acct.Purge(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "accounting purge:", err)
		return exitFailure
	}
	return exitOK
}

func cmdSelect(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	model := fs.String("model", "", "model name")
	username := fs.String("username", "", "end-user name")
	caller := fs.String("caller-name", "", "calling application/service name")
	project := fs.String("project", "", "project name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	allowed, reason, retryAfter, err := acct.CheckQuotaEnhanced(ctx, limit.Request{
		Model: *model, Username: *username, CallerName: *caller, Project: *project,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting select:", err)
		return classifyError(err)
	}
	if allowed {
		fmt.Println("allowed")
		return exitOK
	}
	fmt.Printf("denied: %s (retry_after=%ds)\n", reason, retryAfter)
	return exitOK
}

func cmdLimits(ctx context.Context, acct *accounting.Accounting, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "accounting limits: expected add|view|delete")
		return exitUsage
	}
	switch args[0] {
	case "add":
		return cmdLimitsAdd(ctx, acct, args[1:])
	case "view":
		return cmdLimitsView(ctx, acct, args[1:])
	case "delete":
		return cmdLimitsDelete(ctx, acct, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "accounting limits: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func cmdLimitsAdd(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("limits add", flag.ContinueOnError)
	scope := fs.String("scope", "", "global|model|user|caller|project")
	limitType := fs.String("type", "", "requests|input_tokens|output_tokens|total_tokens|cost")
	maxValue := fs.Float64("max", 0, "maximum value; negative means unlimited/override")
	unit := fs.String("unit", "", "second|minute|hour|day|week|month (append _rolling for a rolling window)")
	value := fs.Int("value", 1, "interval value")
	model := fs.String("model", "", "dimensional filter: model (omit for unconstrained, \"*\" for wildcard)")
	username := fs.String("username", "", "dimensional filter: username")
	callerName := fs.String("caller-name", "", "dimensional filter: caller name")
	project := fs.String("project", "", "dimensional filter: project")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *scope == "" || *limitType == "" || *unit == "" {
		fmt.Fprintln(os.Stderr, "accounting limits add: --scope, --type, and --unit are required")
		return exitUsage
	}

	l := limit.UsageLimit{
		Scope:         limit.Scope(*scope),
		LimitType:     limit.Type(*limitType),
		MaxValue:      *maxValue,
		IntervalUnit:  limit.Unit(*unit),
		IntervalValue: *value,
		Model:         optionalString(*model),
		Username:      optionalString(*username),
		CallerName:    optionalString(*callerName),
		ProjectName:   optionalString(*project),
	}

	id, err := acct.SetUsageLimit(ctx, l)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting limits add:", err)
		return exitFailure
	}
	fmt.Printf("created limit id=%d\n", id)
	return exitOK
}

func cmdLimitsView(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("limits view", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	limits, err := acct.GetUsageLimits(ctx, storage.LimitFilter{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounting limits view:", err)
		return exitFailure
	}
	for _, l := range limits {
		fmt.Printf("%d\t%s\t%s\tmax=%.2f\tinterval=%d %s\n", l.ID, l.Scope, l.LimitType, l.MaxValue, l.IntervalValue, l.IntervalUnit)
	}
	return exitOK
}

func cmdLimitsDelete(ctx context.Context, acct *accounting.Accounting, args []string) int {
	fs := flag.NewFlagSet("limits delete", flag.ContinueOnError)
	id := fs.Int64("id", 0, "limit id to delete (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "accounting limits delete: --id is required")
		return exitUsage
	}
	if err := acct.DeleteUsageLimit(ctx, *id); err != nil {
		fmt.Fprintln(os.Stderr, "accounting limits delete:", err)
		return exitFailure
	}
	return exitOK
}

func cmdUsers(ctx context.Context, acct *accounting.Accounting, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "accounting users: expected add|list|update|deactivate")
		return exitUsage
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("users add", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		ouName := fs.String("ou-name", "", "organizational-unit name")
		email := fs.String("email", "", "email address")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting users add: --name is required")
			return exitUsage
		}
		if err := acct.Users.Create(ctx, *name, *ouName, *email); err != nil {
			fmt.Fprintln(os.Stderr, "accounting users add:", err)
			return exitFailure
		}
		return exitOK
	case "list":
		users, err := acct.Users.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "accounting users list:", err)
			return exitFailure
		}
		for _, u := range users {
			fmt.Printf("%s\t%s\t%s\tenabled=%v\n", u.Name, u.OUName, u.Email, u.Enabled)
		}
		return exitOK
	case "update":
		fs := flag.NewFlagSet("users update", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		enabled := fs.Bool("enabled", true, "enabled state")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting users update: --name is required")
			return exitUsage
		}
		if err := acct.Users.Update(ctx, *name, *enabled); err != nil {
			fmt.Fprintln(os.Stderr, "accounting users update:", err)
			return exitFailure
		}
		return exitOK
	case "deactivate":
		fs := flag.NewFlagSet("users deactivate", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting users deactivate: --name is required")
			return exitUsage
		}
		if err := acct.Users.Deactivate(ctx, *name); err != nil {
			fmt.Fprintln(os.Stderr, "accounting users deactivate:", err)
			return exitFailure
		}
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "accounting users: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func cmdProjects(ctx context.Context, acct *accounting.Accounting, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "accounting projects: expected add|list|update|delete")
		return exitUsage
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("projects add", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting projects add: --name is required")
			return exitUsage
		}
		if err := acct.Projects.Create(ctx, *name); err != nil {
			fmt.Fprintln(os.Stderr, "accounting projects add:", err)
			return exitFailure
		}
		return exitOK
	case "list":
		projects, err := acct.Projects.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "accounting projects list:", err)
			return exitFailure
		}
		for _, p := range projects {
			fmt.Printf("%s\tenabled=%v\n", p.Name, p.Enabled)
		}
		return exitOK
	case "update":
		fs := flag.NewFlagSet("projects update", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		enabled := fs.Bool("enabled", true, "enabled state")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting projects update: --name is required")
			return exitUsage
		}
		if err := acct.Projects.Update(ctx, *name, *enabled); err != nil {
			fmt.Fprintln(os.Stderr, "accounting projects update:", err)
			return exitFailure
		}
		return exitOK
	case "delete":
		fs := flag.NewFlagSet("projects delete", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "accounting projects delete: --name is required")
			return exitUsage
		}
		if err := acct.Projects.Delete(ctx, *name); err != nil {
			fmt.Fprintln(os.Stderr, "accounting projects delete:", err)
			return exitFailure
		}
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "accounting projects: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classifyError maps a facade error to an exit code: validation/membership
// errors are a usage mistake (1), anything else is an operational failure (2).
func classifyError(err error) int {
	var ve *accounting.ValidationError
	if errors.As(err, &ve) {
		return exitUsage
	}
	if errors.Is(err, quota.ErrUnknownMember) {
		return exitUsage
	}
	return exitFailure
}
