package ports

import (
	"context"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	rmtypes "github.com/Meesho/BharatMLStack/control-plane/internal/types"
)

// Prober reports whether a target is healthy. A non-nil error always means unhealthy.
type Prober interface {
	Probe(ctx context.Context, target string) (bool, error)
}

// ProberFunc adapts a plain function to Prober.
type ProberFunc func(ctx context.Context, target string) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, target string) (bool, error) {
	return f(ctx, target)
}

// StepExecutor performs one named remediation step against a target.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step rmtypes.RecoveryStep, target string) (bool, error)
}

type SnapshotStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snapshot models.Snapshot) error
}

// TargetCatalog lists the targets the health monitor probes on every iteration.
type TargetCatalog interface {
	Targets() []string
}

// CatalogWatcher is implemented by catalogs that refresh themselves until ctx is done.
type CatalogWatcher interface {
	Watch(ctx context.Context) error
}

// IdempotencyKeyStore remembers the response to a mutating request per (scope, key).
// Get returns nil, nil on a miss. Put keeps the first record stored for a key.
type IdempotencyKeyStore interface {
	Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
	Put(ctx context.Context, scope, key string, record models.IdempotencyRecord) error
}
