package etcd

import (
	"context"
	"fmt"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/adapters/snapshot"
	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const maxCasAttempts = 3

// SnapshotStore keeps the orchestrator snapshot under /config/<app>/snapshot. Every save is a
// compare-and-swap against the revision read just before it, so a write is never applied on top
// of a value it did not see. A lost swap re-reads and writes this instance's full state again, at
// most maxCasAttempts times; instances sharing one key still end with the last successful writer.
type SnapshotStore struct {
	kv      clientv3.KV
	key     string
	codec   snapshot.Codec
	timeout time.Duration
}

func NewSnapshotStore(kv clientv3.KV, appName string, codec snapshot.Codec, timeout time.Duration) *SnapshotStore {
	if codec == nil {
		codec = snapshot.JSONCodec{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotStore{
		kv:      kv,
		key:     SnapshotKey(appName),
		codec:   codec,
		timeout: timeout,
	}
}

func SnapshotKey(appName string) string {
	return fmt.Sprintf("/config/%s/snapshot", appName)
}

func (s *SnapshotStore) Key() string { return s.key }

func (s *SnapshotStore) Load(ctx context.Context) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", rmerrors.ErrSnapshotNotFound, s.key)
	}
	return decodeSnapshot(s.codec, s.key, resp.Kvs[0].Value)
}

func (s *SnapshotStore) Save(ctx context.Context, snap models.Snapshot) (err error) {
	startTime := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		tags := metric.BuildTag(metric.NewTag(metric.TagOutcome, outcome))
		metric.Incr(metric.SnapshotSaveCount, tags)
		metric.Timing(metric.SnapshotSaveLatency, time.Since(startTime), tags)
	}()

	data, err := s.codec.Marshal(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 1; attempt <= maxCasAttempts; attempt++ {
		resp, err := s.kv.Get(ctx, s.key)
		if err != nil {
			return fmt.Errorf("get snapshot %s: %w", s.key, err)
		}
		var modRevision int64
		var current string
		if len(resp.Kvs) > 0 {
			modRevision = resp.Kvs[0].ModRevision
			current = string(resp.Kvs[0].Value)
		}

		result, err := compareAndSwap(ctx, s.kv, s.key, modRevision, current, string(data))
		if err != nil {
			return fmt.Errorf("put snapshot %s: %w", s.key, err)
		}
		if result.Applied {
			log.Debug().Str("key", s.key).Int64("revision", result.Revision).Int("bytes", len(data)).
				Msg("snapshot saved to etcd")
			return nil
		}
		log.Warn().Str("key", s.key).Int("attempt", attempt).Msg("snapshot compare-and-swap lost, retrying")
	}
	return fmt.Errorf("%w: %s", rmerrors.ErrSnapshotConflict, s.key)
}

func decodeSnapshot(codec snapshot.Codec, key string, data []byte) (*models.Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", rmerrors.ErrSnapshotCorrupt, key)
	}
	var snap models.Snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rmerrors.ErrSnapshotCorrupt, key, err)
	}
	if snap.Workflows == nil {
		snap.Workflows = make(map[string]models.Workflow)
	}
	return &snap, nil
}
