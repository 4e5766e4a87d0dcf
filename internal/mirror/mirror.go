// Package mirror publishes the active load queue to a remote table and pulls
// technician-recorded reactor times back into the local schedule.
package mirror

import (
	"context"
	"errors"
	"fmt"

	"labqueue/internal/core"
	"labqueue/pkg/domain"
)

// Queue is the subset of core.Service the mirror needs.
type Queue interface {
	ListAssignments(ctx context.Context, area domain.TestingArea, statuses ...domain.Status) ([]domain.Assignment, error)
	RecordTimestamps(ctx context.Context, updates []core.TimestampUpdate) (core.BatchResult, core.Result, error)
}

// Syncer moves queue state between the local store and a Remote.
type Syncer struct {
	queue  Queue
	remote Remote
	logger core.Logger
}

// NewSyncer returns a syncer. A nil logger discards output.
func NewSyncer(queue Queue, remote Remote, logger core.Logger) (*Syncer, error) {
	if queue == nil || remote == nil {
		return nil, errors.New("mirror: queue and remote are required")
	}
	if logger == nil {
		logger = discard{}
	}
	return &Syncer{queue: queue, remote: remote, logger: logger}, nil
}

// Push replaces the remote rows with every Backlog and InReactor assignment.
// Times already entered remotely for a load are carried over.
func (s *Syncer) Push(ctx context.Context) (int, error) {
	active, err := s.queue.ListAssignments(ctx, "", domain.StatusBacklog, domain.StatusInReactor)
	if err != nil {
		return 0, fmt.Errorf("mirror: list queue: %w", err)
	}
	existing, err := s.remote.Rows(ctx)
	if err != nil {
		return 0, err
	}
	rows := QueueRows(active, existing)
	if err := s.remote.Replace(ctx, rows); err != nil {
		return 0, err
	}
	s.logger.Info("queue pushed", "rows", len(rows))
	return len(rows), nil
}

// Pull records remote start and end times locally. Rows without either
// time are ignored.
func (s *Syncer) Pull(ctx context.Context) (core.BatchResult, error) {
	rows, err := s.remote.Rows(ctx)
	if err != nil {
		return core.BatchResult{}, err
	}
	updates := TimestampUpdates(rows)
	if len(updates) == 0 {
		s.logger.Info("no remote timestamps to pull")
		return core.BatchResult{}, nil
	}
	out, _, err := s.queue.RecordTimestamps(ctx, updates)
	if err != nil {
		return core.BatchResult{}, fmt.Errorf("mirror: record timestamps: %w", err)
	}
	s.logger.Info("remote timestamps pulled", "applied", out.Applied, "skipped", len(out.Skipped))
	return out, nil
}

// QueueRows maps assignments to remote rows, keeping the times from existing
// rows with the same load id.
func QueueRows(active []domain.Assignment, existing []QueueRow) []QueueRow {
	byLoad := make(map[int64]QueueRow, len(existing))
	for _, row := range existing {
		byLoad[row.LoadID] = row
	}
	rows := make([]QueueRow, 0, len(active))
	for _, a := range active {
		row := QueueRow{
			LoadID:      int64(a.LoadID),
			Status:      a.Status.Label(),
			TestingArea: a.TestingArea.Label(),
			Priority:    a.Priority,
		}
		if prev, ok := byLoad[row.LoadID]; ok {
			row.LoadStart, row.LoadEnd = prev.LoadStart, prev.LoadEnd
		}
		rows = append(rows, row)
	}
	return rows
}

// TimestampUpdates converts remote rows carrying a start or end time.
func TimestampUpdates(rows []QueueRow) []core.TimestampUpdate {
	var out []core.TimestampUpdate
	for _, row := range rows {
		if row.LoadStart == nil && row.LoadEnd == nil {
			continue
		}
		out = append(out, core.TimestampUpdate{
			LoadID: domain.LoadID(row.LoadID),
			Start:  row.LoadStart,
			End:    row.LoadEnd,
		})
	}
	return out
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
