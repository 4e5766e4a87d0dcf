package backup_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labqueue/internal/backup"
	"labqueue/internal/blob"
	"labqueue/internal/core"
	"labqueue/internal/idgen"
	"labqueue/pkg/domain"
)

var baseTime = time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)

func fixedIDs(t *testing.T, ids ...string) {
	t.Helper()
	prev := idgen.NewFunc
	t.Cleanup(func() { idgen.NewFunc = prev })
	idgen.NewFunc = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

func TestExportNamesBackupByTimeAndID(t *testing.T) {
	fixedIDs(t, "first")
	exp, err := backup.NewExporter(blob.NewMemory(), backup.WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)

	info, err := exp.Export(context.Background(), domain.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "backups/20240304T093000Z-first.json", info.Key)
	assert.Equal(t, "application/json", info.ContentType)
	assert.Equal(t, "0", info.Metadata["assignments"])
}

func TestLatestPicksNewestBackup(t *testing.T) {
	fixedIDs(t, "a", "b")
	now := baseTime
	exp, err := backup.NewExporter(blob.NewMemory(), backup.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = exp.Latest(ctx)
	require.ErrorIs(t, err, backup.ErrNoBackups)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = exp.Export(ctx, domain.Snapshot{})
	require.NoError(t, err)
	now = now.Add(time.Hour)
	second, err := exp.Export(ctx, domain.Snapshot{})
	require.NoError(t, err)

	latest, err := exp.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Key, latest.Key)

	all, err := exp.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, strings.HasSuffix(all[0].Key, "-a.json"))
}

func TestExportAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := core.ClockFunc(func() time.Time { return baseTime })
	svc := core.NewInMemoryService(nil, core.WithClock(clock))

	for _, id := range []domain.LoadID{1, 2, 3} {
		_, _, err := svc.Assign(ctx, core.AssignRequest{LoadID: id, TestingArea: domain.AreaQuarterBench})
		require.NoError(t, err)
	}
	_, _, err := svc.Transition(ctx, 3, domain.StatusInReactor, nil)
	require.NoError(t, err)

	exp, err := backup.NewExporter(blob.NewMemory())
	require.NoError(t, err)
	info, err := exp.Export(ctx, svc.Snapshot())
	require.NoError(t, err)

	_, err = svc.Unassign(ctx, 1)
	require.NoError(t, err)
	_, _, err = svc.Assign(ctx, core.AssignRequest{LoadID: 9, TestingArea: domain.AreaFullBench})
	require.NoError(t, err)

	snapshot, err := exp.Load(ctx, info.Key)
	require.NoError(t, err)
	require.Len(t, snapshot.Assignments, 3)
	require.Len(t, snapshot.Schedules, 1)

	_, err = svc.RestoreSnapshot(ctx, snapshot)
	require.NoError(t, err)

	all, err := svc.ListAssignments(ctx, "")
	require.NoError(t, err)
	ids := make([]domain.LoadID, 0, len(all))
	for _, a := range all {
		ids = append(ids, a.LoadID)
	}
	assert.Equal(t, []domain.LoadID{1, 2, 3}, ids)

	sc, err := svc.GetSchedule(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, sc.LoadStart)
	assert.True(t, sc.LoadStart.Equal(baseTime))
}

func TestLoadMissingBackup(t *testing.T) {
	exp, err := backup.NewExporter(blob.NewMemory())
	require.NoError(t, err)
	_, err = exp.Load(context.Background(), "backups/none.json")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestNewExporterRequiresStore(t *testing.T) {
	_, err := backup.NewExporter(nil)
	assert.Error(t, err)
}
