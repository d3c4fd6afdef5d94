package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/dskow/bank-gateway/internal/metrics"
)

// StaticResolver serves a fixed service map from configuration.
type StaticResolver struct {
	services map[string][]Instance
}

// NewStatic parses a service name to host:port list map.
func NewStatic(services map[string][]string) (*StaticResolver, error) {
	s := &StaticResolver{services: make(map[string][]Instance, len(services))}
	for name, addrs := range services {
		instances := make([]Instance, 0, len(addrs))
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("service %s: address %q: %w", name, addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("service %s: address %q: invalid port", name, addr)
			}
			instances = append(instances, Instance{Address: host, Port: port})
		}
		s.services[name] = instances
	}
	return s, nil
}

// Resolve returns a copy of the configured instances for service.
func (s *StaticResolver) Resolve(_ context.Context, service string) ([]Instance, error) {
	instances := s.services[service]
	if len(instances) == 0 {
		metrics.DiscoveryLookups.WithLabelValues("static", "empty").Inc()
		return nil, noInstances(service)
	}
	metrics.DiscoveryLookups.WithLabelValues("static", "hit").Inc()
	return append([]Instance(nil), instances...), nil
}
