package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"labqueue/internal/backup"
	"labqueue/internal/blob"
	"labqueue/internal/core"
	"labqueue/internal/mirror"
	"labqueue/pkg/domain"
)

var errUsage = errors.New("usage")

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"assign":          {"assign one load to a bench", runAssign},
	"assign-many":     {"assign several loads to the same bench", runAssignMany},
	"transition":      {"change the status of an assigned load", runTransition},
	"transition-many": {"change statuses given as load=status pairs", runTransitionMany},
	"unassign":        {"remove loads from the queue", runUnassign},
	"next-priority":   {"print the next backlog priority for a bench", runNextPriority},
	"backlog":         {"list a bench backlog in queue order", runBacklog},
	"reorder":         {"apply load:old:new priority edits to a backlog", runReorder},
	"compact":         {"renumber a backlog densely from the floor", runCompact},
	"current":         {"show the load currently in a reactor", runCurrent},
	"completions":     {"count completed loads for a week, month or date range", runCompletions},
	"backup":          {"export both tables to the blob store", runBackup},
	"restore":         {"restore both tables from a backup", runRestore},
	"mirror-push":     {"publish the active queue to the remote table", runMirrorPush},
	"mirror-pull":     {"record technician times from the remote table", runMirrorPull},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func (a *app) print(v any) error {
	if a.format == "yaml" {
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLoadID(raw string) (domain.LoadID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid load id %q", errUsage, raw)
	}
	return domain.LoadID(id), nil
}

func parseLoadIDs(args []string) ([]domain.LoadID, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no load ids given", errUsage)
	}
	ids := make([]domain.LoadID, 0, len(args))
	for _, raw := range args {
		id, err := parseLoadID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func runAssign(ctx context.Context, a *app, args []string) error {
	fs := a.flags("assign")
	load := fs.Int64("load", 0, "load id")
	area := fs.String("area", "", "testing area")
	status := fs.String("status", string(domain.StatusBacklog), "initial status")
	priority := fs.Int("priority", 0, "explicit priority (default: computed)")
	reactor := fs.String("reactor", "", "reactor name when starting a load")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	req := core.AssignRequest{LoadID: domain.LoadID(*load), Reactor: optionalString(*reactor)}
	var err error
	if req.TestingArea, err = domain.ParseTestingArea(*area); err != nil {
		return err
	}
	if req.Status, err = domain.ParseStatus(*status); err != nil {
		return err
	}
	if *priority != 0 {
		req.Priority = priority
	}
	assigned, _, err := a.svc.Assign(ctx, req)
	if err != nil {
		return err
	}
	return a.print(assigned)
}

func runAssignMany(ctx context.Context, a *app, args []string) error {
	fs := a.flags("assign-many")
	area := fs.String("area", "", "testing area")
	status := fs.String("status", string(domain.StatusBacklog), "status for every load")
	reactor := fs.String("reactor", "", "reactor name when starting loads")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ids, err := parseLoadIDs(fs.Args())
	if err != nil {
		return err
	}
	req := core.AssignManyRequest{LoadIDs: ids, Reactor: optionalString(*reactor)}
	if req.TestingArea, err = domain.ParseTestingArea(*area); err != nil {
		return err
	}
	if req.Status, err = domain.ParseStatus(*status); err != nil {
		return err
	}
	out, _, err := a.svc.AssignMany(ctx, req)
	if err != nil {
		return err
	}
	return a.print(out)
}

func runTransition(ctx context.Context, a *app, args []string) error {
	fs := a.flags("transition")
	load := fs.Int64("load", 0, "load id")
	status := fs.String("status", "", "new status")
	reactor := fs.String("reactor", "", "reactor name when starting a load")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	st, err := domain.ParseStatus(*status)
	if err != nil {
		return err
	}
	updated, _, err := a.svc.Transition(ctx, domain.LoadID(*load), st, optionalString(*reactor))
	if err != nil {
		return err
	}
	return a.print(updated)
}

func runTransitionMany(ctx context.Context, a *app, args []string) error {
	fs := a.flags("transition-many")
	reactor := fs.String("reactor", "", "reactor name for loads entering a reactor")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: expected load=status pairs", errUsage)
	}
	updates := make(map[domain.LoadID]domain.Status, fs.NArg())
	for _, pair := range fs.Args() {
		rawID, rawStatus, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: %q is not load=status", errUsage, pair)
		}
		id, err := parseLoadID(rawID)
		if err != nil {
			return err
		}
		st, err := domain.ParseStatus(rawStatus)
		if err != nil {
			return err
		}
		updates[id] = st
	}
	out, _, err := a.svc.TransitionMany(ctx, updates, optionalString(*reactor))
	if err != nil {
		return err
	}
	return a.print(out)
}

func runUnassign(ctx context.Context, a *app, args []string) error {
	fs := a.flags("unassign")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ids, err := parseLoadIDs(fs.Args())
	if err != nil {
		return err
	}
	if len(ids) == 1 {
		if _, err := a.svc.Unassign(ctx, ids[0]); err != nil {
			return err
		}
		return a.print(core.BatchResult{Applied: 1})
	}
	out, _, err := a.svc.UnassignMany(ctx, ids)
	if err != nil {
		return err
	}
	return a.print(out)
}

func areaFlag(a *app, name string, args []string) (*flag.FlagSet, domain.TestingArea, error) {
	fs := a.flags(name)
	area := fs.String("area", "", "testing area")
	if err := parseFlags(fs, args); err != nil {
		return nil, "", err
	}
	parsed, err := domain.ParseTestingArea(*area)
	return fs, parsed, err
}

func runNextPriority(ctx context.Context, a *app, args []string) error {
	_, area, err := areaFlag(a, "next-priority", args)
	if err != nil {
		return err
	}
	next, err := a.svc.NextBacklogPriority(ctx, area)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"testing_area": area, "priority": next})
}

func runBacklog(ctx context.Context, a *app, args []string) error {
	_, area, err := areaFlag(a, "backlog", args)
	if err != nil {
		return err
	}
	backlog, err := a.svc.ListBacklog(ctx, area)
	if err != nil {
		return err
	}
	if backlog == nil {
		backlog = []domain.Assignment{}
	}
	return a.print(backlog)
}

// parseEdit reads load:old:new.
func parseEdit(raw string) (core.PriorityEdit, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return core.PriorityEdit{}, fmt.Errorf("%w: %q is not load:old:new", errUsage, raw)
	}
	id, err := parseLoadID(parts[0])
	if err != nil {
		return core.PriorityEdit{}, err
	}
	oldP, errOld := strconv.Atoi(parts[1])
	newP, errNew := strconv.Atoi(parts[2])
	if errOld != nil || errNew != nil {
		return core.PriorityEdit{}, fmt.Errorf("%w: %q has a non-numeric priority", errUsage, raw)
	}
	return core.PriorityEdit{LoadID: id, OldPriority: oldP, NewPriority: newP}, nil
}

func runReorder(ctx context.Context, a *app, args []string) error {
	fs := a.flags("reorder")
	area := fs.String("area", "", "testing area")
	dryRun := fs.Bool("dry-run", false, "print the new order without saving")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ta, err := domain.ParseTestingArea(*area)
	if err != nil {
		return err
	}
	edits := make([]core.PriorityEdit, 0, fs.NArg())
	for _, raw := range fs.Args() {
		edit, err := parseEdit(raw)
		if err != nil {
			return err
		}
		edits = append(edits, edit)
	}
	var out []core.PriorityAssignment
	if *dryRun {
		out, err = a.svc.Reorder(ctx, ta, edits)
	} else {
		out, _, err = a.svc.ReorderAndSave(ctx, ta, edits)
	}
	if err != nil {
		return err
	}
	return a.print(out)
}

func runCompact(ctx context.Context, a *app, args []string) error {
	_, area, err := areaFlag(a, "compact", args)
	if err != nil {
		return err
	}
	out, _, err := a.svc.CompactBacklog(ctx, area)
	if err != nil {
		return err
	}
	if out == nil {
		out = []core.PriorityAssignment{}
	}
	return a.print(out)
}

func runCurrent(ctx context.Context, a *app, args []string) error {
	fs := a.flags("current")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	active, ok, err := a.svc.CurrentInReactor(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return a.print(map[string]any{"running": false})
	}
	return a.print(active)
}

const dateLayout = "2006-01-02"

func runCompletions(ctx context.Context, a *app, args []string) error {
	fs := a.flags("completions")
	week := fs.Int("week", -1, "weeks ago (0 is the current Monday-Sunday week)")
	month := fs.Int("month", -1, "months ago (0 is the current month)")
	fromRaw := fs.String("from", "", "first day, YYYY-MM-DD")
	toRaw := fs.String("to", "", "last day, YYYY-MM-DD")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	now := time.Now().UTC()
	var from, to time.Time
	switch {
	case *fromRaw != "" || *toRaw != "":
		var err error
		if from, err = time.Parse(dateLayout, *fromRaw); err != nil {
			return fmt.Errorf("%w: -from: %v", errUsage, err)
		}
		if to, err = time.Parse(dateLayout, *toRaw); err != nil {
			return fmt.Errorf("%w: -to: %v", errUsage, err)
		}
		to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	case *month >= 0:
		from, to = core.MonthRange(now, *month)
	case *week >= 0:
		from, to = core.WeekRange(now, *week)
	default:
		from, to = core.WeekRange(now, 0)
	}
	report, err := a.svc.Completions(ctx, from, to)
	if err != nil {
		return err
	}
	return a.print(report)
}

func (a *app) exporter(ctx context.Context) (*backup.Exporter, error) {
	store, err := blob.Open(ctx, a.cfg.BlobConfig())
	if err != nil {
		return nil, err
	}
	return backup.NewExporter(store)
}

func runBackup(ctx context.Context, a *app, args []string) error {
	fs := a.flags("backup")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	exp, err := a.exporter(ctx)
	if err != nil {
		return err
	}
	info, err := exp.Export(ctx, a.svc.Snapshot())
	if err != nil {
		return err
	}
	a.logger.Info("backup written", "key", info.Key, "size", info.Size)
	return a.print(info)
}

func runRestore(ctx context.Context, a *app, args []string) error {
	fs := a.flags("restore")
	key := fs.String("key", "", "backup key (default: latest)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	exp, err := a.exporter(ctx)
	if err != nil {
		return err
	}
	if *key == "" {
		latest, err := exp.Latest(ctx)
		if err != nil {
			return err
		}
		*key = latest.Key
	}
	snapshot, err := exp.Load(ctx, *key)
	if err != nil {
		return err
	}
	if _, err := a.svc.RestoreSnapshot(ctx, snapshot); err != nil {
		return err
	}
	return a.print(map[string]any{
		"key":         *key,
		"assignments": len(snapshot.Assignments),
		"schedules":   len(snapshot.Schedules),
	})
}

func (a *app) syncer(ctx context.Context, ensure bool) (*mirror.Syncer, error) {
	remote, err := mirror.OpenPostgres(a.cfg.Mirror.DSN, a.cfg.Mirror.Table)
	if err != nil {
		return nil, err
	}
	if ensure {
		if err := remote.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return mirror.NewSyncer(a.svc, remote, a.logger)
}

func runMirrorPush(ctx context.Context, a *app, args []string) error {
	fs := a.flags("mirror-push")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	s, err := a.syncer(ctx, true)
	if err != nil {
		return err
	}
	n, err := s.Push(ctx)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"rows": n})
}

func runMirrorPull(ctx context.Context, a *app, args []string) error {
	fs := a.flags("mirror-pull")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	s, err := a.syncer(ctx, false)
	if err != nil {
		return err
	}
	out, err := s.Pull(ctx)
	if err != nil {
		return err
	}
	return a.print(out)
}
