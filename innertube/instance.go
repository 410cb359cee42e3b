package innertube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCreationTimeout bounds how long acquiring the shared client may take.
const DefaultCreationTimeout = 3 * time.Second

// ErrClientUnavailable means the shared client could not be created in time.
var ErrClientUnavailable = errors.New("youtube client unavailable")

// ClientFactory creates a client. It must honour ctx cancellation.
type ClientFactory func(ctx context.Context) (Client, error)

// InstanceManager hands out one shared Client. Concurrent first calls are
// coalesced into a single creation.
type InstanceManager struct {
	create  ClientFactory
	timeout time.Duration

	mu     sync.RWMutex
	client Client
	group  singleflight.Group
}

// NewInstanceManager returns a manager; timeout <= 0 selects DefaultCreationTimeout.
func NewInstanceManager(create ClientFactory, timeout time.Duration) *InstanceManager {
	if timeout <= 0 {
		timeout = DefaultCreationTimeout
	}
	return &InstanceManager{create: create, timeout: timeout}
}

// Static returns a manager that always yields c.
func Static(c Client) *InstanceManager {
	m := NewInstanceManager(func(context.Context) (Client, error) { return c, nil }, 0)
	m.client = c
	return m
}

// Get returns the shared client, creating it on first use.
func (m *InstanceManager) Get(ctx context.Context) (Client, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	if m.create == nil {
		return nil, fmt.Errorf("%w: no client factory configured", ErrClientUnavailable)
	}

	ch := m.group.DoChan("client", func() (any, error) {
		// Creation outlives a single caller's cancellation so other waiters still benefit.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		created, err := m.create(cctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.client = created
		m.mu.Unlock()
		slog.Debug("youtube client created", slog.String("component", "innertube"))
		return created, nil
	})

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientUnavailable, res.Err)
		}
		return res.Val.(Client), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: creation timed out after %s", ErrClientUnavailable, m.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset drops the cached client so the next Get creates a new one.
func (m *InstanceManager) Reset() {
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
}
