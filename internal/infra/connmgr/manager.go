// Package connmgr caches live server connections keyed by
// (catalog item, instance) and replaces them when liveness probes fail.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
	"mcpgate/internal/infra/transport"
)

const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultAttachRetries    = 3
	DefaultAttachRetryDelay = 5 * time.Second
)

// Config bounds connection establishment. Zero values take defaults.
type Config struct {
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// PingTimeout bounds the liveness probe issued before reuse.
	PingTimeout time.Duration
	// AttachRetries bounds connect attempts for attach transports. The
	// backing compute unit may report ready before its process has
	// finished booting, so local attach gets a few tries.
	AttachRetries int
	// AttachRetryDelay is the fixed delay between attach attempts.
	AttachRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.AttachRetries <= 0 {
		c.AttachRetries = DefaultAttachRetries
	}
	if c.AttachRetryDelay <= 0 {
		c.AttachRetryDelay = DefaultAttachRetryDelay
	}
	return c
}

// creation is the in-flight future for a cold key. Concurrent callers
// on the same key wait on done instead of creating a second connection.
type creation struct {
	done chan struct{}
	conn domain.ServerConnection
	err  error
}

// Manager is the only component that mutates the connection cache.
type Manager struct {
	factory *transport.Factory
	runtime domain.RuntimeManager
	cfg     Config
	logger  *zap.Logger
	metrics domain.Metrics

	mu       sync.Mutex
	conns    map[domain.ConnectionKey]domain.ServerConnection
	inflight map[domain.ConnectionKey]*creation
	closed   bool
}

type Options struct {
	Factory *transport.Factory
	Runtime domain.RuntimeManager
	Config  Config
	Logger  *zap.Logger
	Metrics domain.Metrics
}

func NewManager(opts Options) *Manager {
	if opts.Factory == nil {
		panic("connection manager requires a transport factory")
	}
	if opts.Runtime == nil {
		panic("connection manager requires a runtime manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:  opts.Factory,
		runtime:  opts.Runtime,
		cfg:      opts.Config.withDefaults(),
		logger:   logger.Named("connmgr"),
		metrics:  opts.Metrics,
		conns:    make(map[domain.ConnectionKey]domain.ServerConnection),
		inflight: make(map[domain.ConnectionKey]*creation),
	}
}

// Get returns the live connection for key, probing a cached one and
// replacing it when the probe fails. Cold keys are created exactly
// once under concurrency: losers wait for the winner's outcome.
func (m *Manager) Get(ctx context.Context, key domain.ConnectionKey, cfg domain.ConnectConfig) (domain.ServerConnection, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, domain.ErrManagerClosed
		}
		if conn, ok := m.conns[key]; ok {
			m.mu.Unlock()
			err := m.ping(ctx, conn)
			if err == nil {
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Debug("connection ping failed",
				telemetry.EventField(telemetry.EventPingFailure),
				telemetry.CatalogItemField(cfg.Item.DisplayName),
				telemetry.InstanceIDField(key.InstanceID),
				zap.Error(err),
			)
			m.evictDead(key, conn, cfg.Item.DisplayName)
			continue
		}
		if fl, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-fl.done:
				if fl.err != nil {
					return nil, fl.err
				}
				return fl.conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		fl := &creation{done: make(chan struct{})}
		m.inflight[key] = fl
		m.mu.Unlock()

		conn, err := m.create(ctx, cfg)

		m.mu.Lock()
		delete(m.inflight, key)
		if err == nil && m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			conn, err = nil, domain.ErrManagerClosed
			fl.conn, fl.err = conn, err
			close(fl.done)
			return nil, err
		}
		if err == nil {
			m.conns[key] = conn
		}
		live := len(m.conns)
		m.mu.Unlock()

		fl.conn, fl.err = conn, err
		close(fl.done)
		if m.metrics != nil {
			m.metrics.SetLiveConnections(live)
		}
		return conn, err
	}
}

// evictDead removes the dead connection from the cache under the lock
// and closes it only if this caller won the removal. Concurrent callers
// observing the same dead handle race to evict; exactly one closes.
func (m *Manager) evictDead(key domain.ConnectionKey, conn domain.ServerConnection, item string) {
	m.mu.Lock()
	won := m.conns[key] == conn
	if won {
		delete(m.conns, key)
	}
	live := len(m.conns)
	m.mu.Unlock()
	if !won {
		return
	}

	if err := conn.Close(); err != nil {
		m.logger.Debug("close dead connection failed",
			telemetry.CatalogItemField(item),
			zap.Error(err),
		)
	}
	m.logger.Info("dead connection evicted",
		telemetry.EventField(telemetry.EventCacheEvict),
		telemetry.CatalogItemField(item),
		telemetry.InstanceIDField(key.InstanceID),
	)
	if m.metrics != nil {
		m.metrics.ObserveConnectionEvict(item)
		m.metrics.SetLiveConnections(live)
	}
}

func (m *Manager) ping(ctx context.Context, conn domain.ServerConnection) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}

// create resolves the runtime target, selects a transport, and
// connects within the configured bounds. Attach transports are retried
// a fixed number of times with a fixed delay; streamable HTTP gets one
// attempt, since reaching that branch already implies a reachable
// network path.
func (m *Manager) create(ctx context.Context, cfg domain.ConnectConfig) (domain.ServerConnection, error) {
	started := time.Now()

	target, err := m.runtime.ResolveTarget(ctx, cfg.Instance.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime target for instance %q: %w", cfg.Instance.ID, err)
	}
	cfg.Target = target

	kind := transport.SelectKind(cfg.Item.ServerType, cfg.Item.Transport, target.Endpoint != "")
	tr, err := m.factory.ForKind(kind)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if kind == domain.TransportAttach {
		attempts = m.cfg.AttachRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(m.cfg.AttachRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, connErr := tr.Connect(connectCtx, cfg)
		cancel()
		if connErr == nil {
			m.logger.Info("connection established",
				telemetry.EventField(telemetry.EventConnectSuccess),
				telemetry.CatalogItemField(cfg.Item.ID),
				telemetry.InstanceIDField(cfg.Instance.ID),
				zap.String("transport", string(kind)),
				zap.Int("attempt", attempt),
				telemetry.DurationField(time.Since(started)),
			)
			if m.metrics != nil {
				m.metrics.ObserveConnectionCreate(cfg.Item.DisplayName, time.Since(started), nil)
			}
			return conn, nil
		}

		lastErr = classifyConnectErr(connectCtx, ctx, connErr, cfg.Item.DisplayName)
		m.logger.Warn("connect attempt failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.CatalogItemField(cfg.Item.ID),
			telemetry.InstanceIDField(cfg.Instance.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)
	}

	if m.metrics != nil {
		m.metrics.ObserveConnectionCreate(cfg.Item.DisplayName, time.Since(started), lastErr)
	}
	if attempts > 1 {
		return nil, fmt.Errorf("connect to %q failed after %d attempts: %w", cfg.Item.DisplayName, attempts, lastErr)
	}
	return nil, fmt.Errorf("connect to %q: %w", cfg.Item.DisplayName, lastErr)
}

// classifyConnectErr distinguishes a bounded-operation timeout from a
// transport-reported failure; timeouts must not be silently folded in.
func classifyConnectErr(opCtx, callerCtx context.Context, err error, item string) error {
	if errors.Is(err, context.DeadlineExceeded) && opCtx.Err() != nil && callerCtx.Err() == nil {
		return fmt.Errorf("connect to %q: %w", item, domain.ErrTransportTimeout)
	}
	return err
}

// Evict closes and removes the cached connection for key, if present.
// Used when a tenant's session state is invalidated. A no-op for keys
// that are cold or already replaced.
func (m *Manager) Evict(key domain.ConnectionKey) {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	live := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := conn.Close(); err != nil {
		m.logger.Debug("close evicted connection failed",
			telemetry.CatalogItemField(key.CatalogItemID),
			zap.Error(err),
		)
	}
	m.logger.Info("connection evicted",
		telemetry.EventField(telemetry.EventCacheEvict),
		telemetry.CatalogItemField(key.CatalogItemID),
		telemetry.InstanceIDField(key.InstanceID),
	)
	if m.metrics != nil {
		m.metrics.ObserveConnectionEvict(key.CatalogItemID)
		m.metrics.SetLiveConnections(live)
	}
}

// Clear closes and drops every cached connection. The cache stays
// usable afterwards.
func (m *Manager) Clear(ctx context.Context) {
	m.drain()
}

// Close clears the cache and rejects further use. Invoked once by the
// host process's lifecycle management.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.drain()
	return nil
}

func (m *Manager) drain() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[domain.ConnectionKey]domain.ServerConnection)
	m.mu.Unlock()

	for key, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("close connection failed",
				telemetry.CatalogItemField(key.CatalogItemID),
				telemetry.InstanceIDField(key.InstanceID),
				zap.Error(err),
			)
		}
	}
	if m.metrics != nil {
		m.metrics.SetLiveConnections(0)
	}
}

var _ domain.ConnectionProvider = (*Manager)(nil)
