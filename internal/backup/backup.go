// Package backup writes and reads JSON snapshots of the assignment and
// schedule tables through a blob store.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"labqueue/internal/blob"
	"labqueue/internal/idgen"
	"labqueue/pkg/domain"
)

// Prefix is the key prefix under which snapshots are stored.
const Prefix = "backups/"

const (
	contentType     = "application/json"
	timestampLayout = "20060102T150405Z"
)

// ErrNoBackups is returned by Latest when the store holds no snapshot.
var ErrNoBackups = fmt.Errorf("no backups: %w", blob.ErrNotFound)

// Exporter stores snapshots in a blob store.
type Exporter struct {
	store blob.Store
	now   func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock overrides the clock used to name backups.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter returns an exporter writing to store.
func NewExporter(store blob.Store, opts ...Option) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("backup: blob store is required")
	}
	e := &Exporter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Export writes snapshot under backups/<UTC timestamp>-<id>.json.
func (e *Exporter) Export(ctx context.Context, snapshot domain.Snapshot) (blob.Info, error) {
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = e.now().UTC()
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := Prefix + e.now().UTC().Format(timestampLayout) + "-" + idgen.New() + ".json"
	info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"assignments": fmt.Sprint(len(snapshot.Assignments)),
			"schedules":   fmt.Sprint(len(snapshot.Schedules)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return info, nil
}

// List returns stored backups, oldest first.
func (e *Exporter) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := e.store.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Latest returns the most recent backup.
func (e *Exporter) Latest(ctx context.Context) (blob.Info, error) {
	infos, err := e.List(ctx)
	if err != nil {
		return blob.Info{}, err
	}
	if len(infos) == 0 {
		return blob.Info{}, ErrNoBackups
	}
	return infos[len(infos)-1], nil
}

// Load reads and decodes the snapshot stored at key.
func (e *Exporter) Load(ctx context.Context, key string) (domain.Snapshot, error) {
	_, rc, err := e.store.Get(ctx, key)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode backup %s: %w", key, err)
	}
	return snapshot, nil
}
