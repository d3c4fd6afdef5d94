// Package discovery resolves logical service names to backend instances.
// Routes name services ("service-account"), never addresses; a Resolver
// supplies the addresses and Transport applies them to outbound requests.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/dskow/bank-gateway/internal/config"
)

// ErrNoInstances is returned when a service has no usable instance.
var ErrNoInstances = errors.New("no instances available")

// Instance is one network endpoint of a service.
type Instance struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HostPort returns the instance as host:port.
func (i Instance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// Resolver looks up the current instances of a logical service. An
// implementation returns ErrNoInstances (possibly wrapped) rather than an
// empty slice.
type Resolver interface {
	Resolve(ctx context.Context, service string) ([]Instance, error)
}

// New builds the Resolver selected by cfg.Provider.
func New(cfg config.DiscoveryConfig, logger *slog.Logger) (Resolver, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStatic(cfg.Static)
	case "consul":
		return NewConsul(cfg.Consul, logger)
	default:
		return nil, fmt.Errorf("unknown discovery provider %q", cfg.Provider)
	}
}

// ResolveError reports a failed lookup made on behalf of an outbound
// request. It wraps ErrNoInstances when the service simply has none.
type ResolveError struct {
	Service string
	Err     error
}

func (e *ResolveError) Error() string {
	return "resolving service " + e.Service + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }

func noInstances(service string) error {
	return fmt.Errorf("service %s: %w", service, ErrNoInstances)
}
