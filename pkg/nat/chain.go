package nat

import (
	"context"
	"errors"
	"sync"

	"braces.dev/errtrace"

	"github.com/arzzra/sipreg/pkg/registration"
)

// Chain пробует мапперы по порядку и запоминает, какой из них
// создал проброс, чтобы освободить его тем же маппером.
type Chain struct {
	mappers []registration.PortMapper

	mu     sync.Mutex
	owners map[string]registration.PortMapper
}

var _ registration.PortMapper = (*Chain)(nil)

// NewChain создает цепочку мапперов, nil пропускаются
func NewChain(mappers ...registration.PortMapper) *Chain {
	c := &Chain{owners: make(map[string]registration.PortMapper)}
	for _, m := range mappers {
		if m != nil {
			c.mappers = append(c.mappers, m)
		}
	}
	return c
}

func (c *Chain) Reserve(ctx context.Context, protocol string, internalPort, externalHint uint16,
	onChange func(registration.Mapping)) (registration.Mapping, error) {
	if len(c.mappers) == 0 {
		return registration.Mapping{State: registration.MappingFailed}, ErrNoGateway
	}

	var errs []error
	for _, m := range c.mappers {
		mapping, err := m.Reserve(ctx, protocol, internalPort, externalHint, onChange)
		if err == nil {
			c.mu.Lock()
			c.owners[leaseKey(mapping.Protocol, mapping.InternalPort)] = m
			c.mu.Unlock()
			return mapping, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return registration.Mapping{State: registration.MappingFailed}, errtrace.Wrap(errors.Join(errs...))
}

func (c *Chain) Release(ctx context.Context, mapping registration.Mapping) error {
	key := leaseKey(mapping.Protocol, mapping.InternalPort)
	c.mu.Lock()
	m, ok := c.owners[key]
	delete(c.owners, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Release(ctx, mapping)
}
