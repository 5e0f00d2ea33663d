package etcd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/data/models"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultIdempotencyTTLSeconds int64 = 24 * 60 * 60

// LeaseKV is the part of *clientv3.Client the idempotency store writes through.
type LeaseKV interface {
	clientv3.KV
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
}

// EtcdIdempotencyKeyStore shares idempotency records between instances. Each record is
// attached to a lease so etcd expires it after ttl. The first record stored for a key wins.
type EtcdIdempotencyKeyStore struct {
	client     LeaseKV
	basePath   string
	ttlSeconds int64
}

func NewEtcdIdempotencyKeyStore(client LeaseKV, appName string, ttl time.Duration) *EtcdIdempotencyKeyStore {
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = defaultIdempotencyTTLSeconds
	}
	return &EtcdIdempotencyKeyStore{
		client:     client,
		basePath:   IdempotencyPrefix(appName),
		ttlSeconds: ttlSeconds,
	}
}

func IdempotencyPrefix(appName string) string {
	return fmt.Sprintf("/config/%s/idempotency/", appName)
}

func (s *EtcdIdempotencyKeyStore) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	etcdKey := s.recordKey(scope, key)
	resp, err := s.client.Get(ctx, etcdKey)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		log.Debug().Str("scope", scope).Str("idempotency_key", key).Str("etcd_key", etcdKey).Msg("idempotency miss in etcd")
		return nil, nil
	}

	var record models.IdempotencyRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", etcdKey, err)
	}
	log.Info().Str("scope", scope).Str("idempotency_key", key).Msg("idempotency hit in etcd")
	return &record, nil
}

func (s *EtcdIdempotencyKeyStore) Put(ctx context.Context, scope, key string, record models.IdempotencyRecord) error {
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	lease, err := s.client.Grant(ctx, s.ttlSeconds)
	if err != nil {
		return fmt.Errorf("failed to create idempotency ttl lease: %w", err)
	}
	etcdKey := s.recordKey(scope, key)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(etcdKey), "=", 0)).
		Then(clientv3.OpPut(etcdKey, string(raw), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		log.Info().Str("scope", scope).Str("idempotency_key", key).Msg("idempotency record already stored, keeping the first")
		return nil
	}
	log.Debug().
		Str("scope", scope).
		Str("idempotency_key", key).
		Int64("ttl_seconds", s.ttlSeconds).
		Msg("stored idempotency record in etcd")
	return nil
}

func (s *EtcdIdempotencyKeyStore) recordKey(scope, key string) string {
	return s.basePath + scopeFingerprint(scope) + "/" + strings.TrimSpace(key)
}

func scopeFingerprint(scope string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(scope))))
	return hex.EncodeToString(sum[:])
}
