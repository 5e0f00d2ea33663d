package etcd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type ClientConfig struct {
	Endpoints []string
	Username  string
	Password  string
	Timeout   time.Duration
}

// NewClient dials etcd for the target catalog and snapshot store. The caller owns the client and must Close it.
func NewClient(cfg ClientConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one ETCD_ENDPOINTS value is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           cfg.Endpoints,
		Username:            cfg.Username,
		Password:            cfg.Password,
		DialTimeout:         timeout,
		DialKeepAliveTime:   timeout,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd %v: %w", cfg.Endpoints, err)
	}
	log.Info().Strs("endpoints", cfg.Endpoints).Dur("etcd_timeout", timeout).Msg("etcd client initialized")
	return client, nil
}
