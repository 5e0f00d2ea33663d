package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmerrors "github.com/Meesho/BharatMLStack/control-plane/internal/errors"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore keeps a single snapshot file. Writes go to a temp file in the same directory and are
// renamed into place while holding an advisory lock on <path>.lock.
type FileStore struct {
	path  string
	codec Codec

	// mu serialises callers in this process, lock excludes other processes.
	mu   sync.Mutex
	lock *flock.Flock
}

func NewFileStore(path string, codec Codec) *FileStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &FileStore{
		path:  path,
		codec: codec,
		lock:  flock.New(path + ".lock"),
	}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock snapshot %s: %w", s.path, err)
	}
	if locked {
		defer s.unlock()
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", rmerrors.ErrSnapshotNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", rmerrors.ErrSnapshotCorrupt, s.path)
	}

	var snapshot models.Snapshot
	if err := s.codec.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rmerrors.ErrSnapshotCorrupt, s.path, err)
	}
	if snapshot.Workflows == nil {
		snapshot.Workflows = make(map[string]models.Workflow)
	}
	return &snapshot, nil
}

func (s *FileStore) Save(ctx context.Context, snapshot models.Snapshot) (err error) {
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

	data, err := s.codec.Marshal(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock snapshot %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("lock snapshot %s: not acquired", s.path)
	}
	defer s.unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	log.Debug().Str("path", s.path).Str("codec", s.codec.Name()).Int("bytes", len(data)).Msg("snapshot saved")
	return nil
}

func (s *FileStore) unlock() {
	if err := s.lock.Unlock(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("unable to release snapshot lock")
	}
}
