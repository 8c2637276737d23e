package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/shopcore/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type ServiceDiscovery struct {
	client *clientv3.Client
	config *config.EtcdConfig
	logger *zap.Logger

	mu    sync.RWMutex
	flags map[string]bool
}

type ServiceInstance struct {
	Name string
	Host string
	Port int
}

func NewServiceDiscovery(cfg *config.EtcdConfig, logger *zap.Logger) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &ServiceDiscovery{
		client: cli,
		config: cfg,
		logger: logger,
		flags:  map[string]bool{},
	}, nil
}

func (sd *ServiceDiscovery) instanceKey(instance *ServiceInstance) string {
	return fmt.Sprintf("%sservices/%s/%s:%d", sd.config.Prefix, instance.Name, instance.Host, instance.Port)
}

func (sd *ServiceDiscovery) Register(ctx context.Context, instance *ServiceInstance) error {
	key := sd.instanceKey(instance)
	value := fmt.Sprintf("%s:%d", instance.Host, instance.Port)

	// Create lease with 30 second TTL
	lease, err := sd.client.Grant(ctx, 30)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	_, err = sd.client.Put(ctx, key, value, clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	ch, kaerr := sd.client.KeepAlive(ctx, lease.ID)
	if kaerr != nil {
		return fmt.Errorf("failed to keep alive: %w", kaerr)
	}

	go func() {
		for ka := range ch {
			_ = ka
		}
		sd.logger.Info("Service lease keep-alive stopped", zap.String("key", key))
	}()

	return nil
}

func (sd *ServiceDiscovery) Deregister(ctx context.Context, instance *ServiceInstance) error {
	_, err := sd.client.Delete(ctx, sd.instanceKey(instance))
	if err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

func (sd *ServiceDiscovery) flagPrefix() string {
	return sd.config.Prefix + "flags/payment/"
}

// WatchProviderFlags loads the payment provider switches stored under
// <prefix>flags/payment/<provider> and keeps them current until ctx ends.
// Values are parsed with strconv.ParseBool.
func (sd *ServiceDiscovery) WatchProviderFlags(ctx context.Context) error {
	prefix := sd.flagPrefix()

	resp, err := sd.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to load provider flags: %w", err)
	}
	for _, kv := range resp.Kvs {
		sd.setFlag(strings.TrimPrefix(string(kv.Key), prefix), string(kv.Value))
	}

	watch := sd.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wresp := range watch {
			if err := wresp.Err(); err != nil {
				sd.logger.Warn("Provider flag watch error", zap.Error(err))
				continue
			}
			for _, ev := range wresp.Events {
				name := strings.TrimPrefix(string(ev.Kv.Key), prefix)
				if ev.Type == clientv3.EventTypeDelete {
					sd.clearFlag(name)
					continue
				}
				sd.setFlag(name, string(ev.Kv.Value))
			}
		}
	}()
	return nil
}

func (sd *ServiceDiscovery) setFlag(name, value string) {
	enabled, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		sd.logger.Warn("Ignoring invalid provider flag", zap.String("provider", name), zap.String("value", value))
		return
	}
	sd.mu.Lock()
	sd.flags[name] = enabled
	sd.mu.Unlock()
	sd.logger.Info("Provider flag updated", zap.String("provider", name), zap.Bool("enabled", enabled))
}

func (sd *ServiceDiscovery) clearFlag(name string) {
	sd.mu.Lock()
	delete(sd.flags, name)
	sd.mu.Unlock()
}

// ProviderEnabled reports the etcd switch for a provider. No flag means
// enabled.
func (sd *ServiceDiscovery) ProviderEnabled(name string) bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	enabled, ok := sd.flags[name]
	return !ok || enabled
}

// SetProviderFlag writes a provider switch; every instance watching picks
// it up.
func (sd *ServiceDiscovery) SetProviderFlag(ctx context.Context, name string, enabled bool) error {
	_, err := sd.client.Put(ctx, sd.flagPrefix()+name, strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("failed to set provider flag: %w", err)
	}
	return nil
}

func (sd *ServiceDiscovery) Close() error {
	return sd.client.Close()
}
