// Package resolver maps a channel handle to its channel id through a memory
// cache, an optional persistent store and finally the YouTube client.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/telemetry"
)

// DefaultTimeout bounds a single backend resolution.
const DefaultTimeout = 10 * time.Second

// ErrEmptyHandle is returned when the handle normalizes to nothing.
var ErrEmptyHandle = errors.New("empty channel handle")

// Store persists resolved ids between runs. Load reports ok=false on a miss.
type Store interface {
	Load(ctx context.Context, handle string) (channelID string, ok bool, err error)
	Save(ctx context.Context, handle, channelID string) error
}

// Options configures a Resolver. Client is required; Store is optional.
type Options struct {
	Client  *innertube.InstanceManager
	Store   Store
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolver caches handle to channel id lookups. Safe for concurrent use.
type Resolver struct {
	client  *innertube.InstanceManager
	store   Store
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	memory map[string]string
	group  singleflight.Group
}

func New(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		client:  opts.Client,
		store:   opts.Store,
		timeout: opts.Timeout,
		logger:  opts.Logger.With(slog.String("component", "resolver")),
		memory:  make(map[string]string),
	}
}

// NormalizeHandle lowercases the handle and strips a leading "@".
func NormalizeHandle(handle string) string {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "@")
	return strings.ToLower(h)
}

// ChannelURL is the URL handed to the client for a normalized handle.
func ChannelURL(handle string) string {
	return "https://www.youtube.com/@" + handle
}

// ResolveChannelID returns the channel id for handle. On failure it returns ""
// and the error; nothing is cached so a later call retries. Concurrent calls for
// the same handle share one backend request.
func (r *Resolver) ResolveChannelID(ctx context.Context, handle string) (string, error) {
	key := NormalizeHandle(handle)
	if key == "" {
		return "", ErrEmptyHandle
	}
	if id, ok := r.cached(key); ok {
		telemetry.IncCacheLookup("memory")
		return id, nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, key)
	})
	if err != nil {
		r.logger.Warn("channel resolution failed",
			slog.String("handle", key), slog.Bool("shared", shared), slog.Any("err", err))
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolve(ctx context.Context, key string) (string, error) {
	if id, ok := r.cached(key); ok {
		return id, nil
	}
	if r.store != nil {
		id, ok, err := r.store.Load(ctx, key)
		switch {
		case err != nil:
			r.logger.Debug("channel cache load failed", slog.String("handle", key), slog.Any("err", err))
		case ok && id != "":
			telemetry.IncCacheLookup("store")
			r.remember(key, id)
			return id, nil
		}
	}

	telemetry.IncCacheLookup("miss")
	if r.client == nil {
		return "", fmt.Errorf("resolve %s: %w", key, innertube.ErrClientUnavailable)
	}
	client, err := r.client.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	id, err := client.ResolveURL(cctx, ChannelURL(key))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	if id == "" {
		return "", fmt.Errorf("resolve %s: no channel id returned", key)
	}

	r.remember(key, id)
	if r.store != nil {
		if err := r.store.Save(ctx, key, id); err != nil {
			r.logger.Warn("channel cache save failed", slog.String("handle", key), slog.Any("err", err))
		}
	}
	r.logger.Info("channel resolved", slog.String("handle", key), slog.String("channel_id", id))
	return id, nil
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.memory[key]
	return id, ok
}

func (r *Resolver) remember(key, id string) {
	r.mu.Lock()
	r.memory[key] = id
	r.mu.Unlock()
}

// Forget drops a handle from the memory cache.
func (r *Resolver) Forget(handle string) {
	r.mu.Lock()
	delete(r.memory, NormalizeHandle(handle))
	r.mu.Unlock()
}

// Len is the number of handles held in memory.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memory)
}
