package etcd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const watchRetryDelay = 5 * time.Second

// StaticCatalog is a fixed, ordered list of monitored targets.
type StaticCatalog struct {
	targets []string
}

func NewStaticCatalog(targets []string) *StaticCatalog {
	return &StaticCatalog{targets: append([]string(nil), targets...)}
}

func (c *StaticCatalog) Targets() []string {
	return append([]string(nil), c.targets...)
}

// KVWatcher is the part of *clientv3.Client the target catalog reads through.
type KVWatcher interface {
	clientv3.KV
	clientv3.Watcher
}

// EtcdTargetCatalog keeps the monitored target set in sync with keys under
// /config/<app>/monitor-targets/. A key whose value parses as false disables that target.
// While the prefix is empty the fallback list is served.
type EtcdTargetCatalog struct {
	client   KVWatcher
	prefix   string
	timeout  time.Duration
	fallback []string

	mu      sync.RWMutex
	enabled map[string]bool
}

func NewEtcdTargetCatalog(client KVWatcher, appName string, timeout time.Duration, fallback []string) *EtcdTargetCatalog {
	return &EtcdTargetCatalog{
		client:   client,
		prefix:   TargetsPrefix(appName),
		timeout:  timeout,
		fallback: append([]string(nil), fallback...),
		enabled:  make(map[string]bool),
	}
}

func TargetsPrefix(appName string) string {
	return fmt.Sprintf("/config/%s/monitor-targets/", appName)
}

func (c *EtcdTargetCatalog) Targets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.enabled) == 0 {
		return append([]string(nil), c.fallback...)
	}
	out := make([]string, 0, len(c.enabled))
	for target, on := range c.enabled {
		if on {
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out
}

// Load replaces the in-memory target set with the current contents of the prefix.
func (c *EtcdTargetCatalog) Load(ctx context.Context) (int64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.client.Get(ctx, c.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("load monitor targets from %s: %w", c.prefix, err)
	}

	enabled := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if target := c.targetName(string(kv.Key)); target != "" {
			enabled[target] = parseEnabled(string(kv.Value))
		}
	}
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	log.Info().Str("prefix", c.prefix).Int("targets", len(enabled)).Msg("monitor targets loaded from etcd")
	return resp.Header.Revision, nil
}

// Watch loads the prefix and then applies every change until ctx is done.
// A broken watch stream is reloaded and re-established after a short delay.
func (c *EtcdTargetCatalog) Watch(ctx context.Context) error {
	for {
		revision, err := c.Load(ctx)
		if err != nil {
			log.Error().Err(err).Msg("unable to load monitor targets, retrying")
		} else {
			c.consume(ctx, c.client.Watch(ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithRev(revision+1)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchRetryDelay):
		}
	}
}

func (c *EtcdTargetCatalog) consume(ctx context.Context, watchChan clientv3.WatchChan) {
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			log.Error().Err(err).Msg("monitor target watch failed")
			return
		}
		for _, event := range watchResp.Events {
			log.Debug().Msgf("Key: %s | Type: %s | Value: %s", event.Kv.Key, event.Type.String(), event.Kv.Value)
			c.apply(string(event.Kv.Key), string(event.Kv.Value), event.Type == clientv3.EventTypeDelete)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *EtcdTargetCatalog) apply(key, value string, deleted bool) {
	target := c.targetName(key)
	if target == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if deleted {
		delete(c.enabled, target)
		log.Info().Str("target", target).Msg("monitor target removed")
		return
	}
	c.enabled[target] = parseEnabled(value)
	log.Info().Str("target", target).Bool("enabled", c.enabled[target]).Msg("monitor target updated")
}

func (c *EtcdTargetCatalog) targetName(key string) string {
	name := strings.TrimPrefix(key, c.prefix)
	if name == key || strings.Contains(name, "/") {
		return ""
	}
	return strings.TrimSpace(name)
}

func parseEnabled(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	on, err := strconv.ParseBool(value)
	if err != nil {
		return true
	}
	return on
}
