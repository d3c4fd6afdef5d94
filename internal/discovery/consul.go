package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"golang.org/x/sync/singleflight"

	"github.com/dskow/bank-gateway/internal/config"
	"github.com/dskow/bank-gateway/internal/metrics"
)

// consulFetchTimeout bounds a catalog refresh. Refreshes run detached from
// the caller so one cancelled request cannot fail the others waiting on it.
const consulFetchTimeout = 5 * time.Second

// AcceptJSONRoundTripper asks the Consul agent for JSON on every call.
type AcceptJSONRoundTripper struct {
	Rt http.RoundTripper
}

func (h *AcceptJSONRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

type cacheEntry struct {
	instances []Instance
	expires   time.Time
}

// ConsulResolver resolves services through the Consul health API, using
// only instances whose checks are passing. Results are cached for the
// configured TTL and concurrent refreshes of one service are collapsed.
type ConsulResolver struct {
	client *consulapi.Client
	tag    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewConsul creates a resolver for the agent described by cfg.
func NewConsul(cfg config.ConsulConfig, logger *slog.Logger) (*ConsulResolver, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	consulCfg.HttpClient = &http.Client{
		Transport: &AcceptJSONRoundTripper{Rt: http.DefaultTransport},
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	return &ConsulResolver{
		client: client,
		tag:    cfg.Tag,
		ttl:    cfg.CacheTTL,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Resolve returns the passing instances of service.
func (c *ConsulResolver) Resolve(ctx context.Context, service string) ([]Instance, error) {
	c.mu.RLock()
	entry, cached := c.cache[service]
	c.mu.RUnlock()

	if cached && c.now().Before(entry.expires) {
		metrics.DiscoveryLookups.WithLabelValues("consul", "hit").Inc()
		return instancesOrErr(service, entry.instances)
	}

	ch := c.group.DoChan(service, func() (any, error) {
		return c.refresh(service)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if cached {
				// Serve the stale list rather than failing every request
				// while the agent is unreachable.
				metrics.DiscoveryLookups.WithLabelValues("consul", "stale").Inc()
				c.logger.Warn("consul refresh failed, serving cached instances",
					"service", service, "error", res.Err)
				return instancesOrErr(service, entry.instances)
			}
			metrics.DiscoveryLookups.WithLabelValues("consul", "error").Inc()
			return nil, fmt.Errorf("resolving %s via consul: %w", service, res.Err)
		}
		metrics.DiscoveryLookups.WithLabelValues("consul", "miss").Inc()
		return instancesOrErr(service, res.Val.([]Instance))
	}
}

func (c *ConsulResolver) refresh(service string) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), consulFetchTimeout)
	defer cancel()

	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(service, c.tag, true, opts)
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" || e.Service.Port == 0 {
			continue
		}
		instances = append(instances, Instance{Address: addr, Port: e.Service.Port})
	}
	// Stable order keeps round-robin fair across refreshes.
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Address != instances[j].Address {
			return instances[i].Address < instances[j].Address
		}
		return instances[i].Port < instances[j].Port
	})

	c.mu.Lock()
	c.cache[service] = cacheEntry{instances: instances, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	c.logger.Debug("consul instances refreshed", "service", service, "count", len(instances))
	return instances, nil
}

func instancesOrErr(service string, instances []Instance) ([]Instance, error) {
	if len(instances) == 0 {
		return nil, noInstances(service)
	}
	return append([]Instance(nil), instances...), nil
}
