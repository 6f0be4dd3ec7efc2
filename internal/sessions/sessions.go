// Package sessions caches authenticated SSH connections and rebuilds
// multi-hop chains from the access graph. One live session per
// (host, user, method, secret); capacity pressure closes the least
// recently used channel.
package sessions

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gustycube/sshmap/internal/credstore"
	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/metrics"
	"github.com/gustycube/sshmap/internal/sshconn"
	"github.com/gustycube/sshmap/internal/types"
)

type Manager struct {
	cache    *lru.Cache[string, *sshconn.Connection]
	graph    graph.Store
	creds    *credstore.Store
	proxyURL string
	timeout  time.Duration
	log      *zap.SugaredLogger

	// walk serializes chain construction so two callers cannot race
	// to build the same hop twice.
	walk chan struct{}
}

func New(size int, g graph.Store, creds *credstore.Store, proxyURL string, timeout time.Duration, log *zap.SugaredLogger) (*Manager, error) {
	cache, err := lru.NewWithEvict(size, func(key string, conn *sshconn.Connection) {
		conn.Close()
	})
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cache:    cache,
		graph:    g,
		creds:    creds,
		proxyURL: proxyURL,
		timeout:  timeout,
		log:      log,
		walk:     make(chan struct{}, 1),
	}
	m.walk <- struct{}{}
	return m, nil
}

func cacheKey(toHost string, cred types.Credential) string {
	return fmt.Sprintf("%s|%s|%s|%s", toHost, cred.User, cred.Method, cred.Secret)
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case <-m.walk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() { m.walk <- struct{}{} }

// AddSession registers a freshly authenticated connection. If a live
// session under the same key already exists the new one is closed and
// the existing one returned, so every caller converges on one channel
// per identity.
func (m *Manager) AddSession(ctx context.Context, conn *sshconn.Connection) *sshconn.Connection {
	if err := m.lock(ctx); err != nil {
		return conn
	}
	defer m.unlock()
	return m.addLocked(ctx, cacheKey(conn.RemoteHostname(), conn.Credential()), conn)
}

func (m *Manager) addLocked(ctx context.Context, key string, conn *sshconn.Connection) *sshconn.Connection {
	if existing, ok := m.cache.Get(key); ok {
		if existing == conn {
			return existing
		}
		if existing.IsConnected(ctx) {
			conn.Close()
			return existing
		}
		m.cache.Remove(key)
	}
	m.cache.Add(key, conn)
	metrics.SessionsCached.Set(float64(m.cache.Len()))
	return conn
}

// GetSession returns a live connection to target, walking the freshest
// path in the access graph from start and reusing every cached hop
// that still answers. Any hop that cannot be established aborts the
// whole walk.
func (m *Manager) GetSession(ctx context.Context, target, start string) (*sshconn.Connection, error) {
	path, err := m.graph.FindPath(ctx, start, target)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, graph.ErrNoPath
	}

	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	var current *sshconn.Connection
	for _, hop := range path {
		cred := types.Credential{
			Scope:  hop.Edge.ToHost,
			Port:   hop.Edge.Port,
			User:   hop.Edge.User,
			Secret: hop.Edge.Secret,
			Method: hop.Edge.Method,
		}
		key := cacheKey(hop.Edge.ToHost, cred)

		if cached, ok := m.cache.Get(key); ok {
			if cached.IsConnected(ctx) {
				current = cached
				continue
			}
			m.cache.Remove(key)
			metrics.SessionsCached.Set(float64(m.cache.Len()))
		}

		var signer ssh.Signer
		if cred.Method == types.MethodKeyfile {
			signer, err = m.creds.SignerFor(cred.Secret)
			if err != nil {
				return nil, fmt.Errorf("sessions: hop to %s: load key: %w", hop.Edge.ToHost, err)
			}
		}

		opts := sshconn.Options{
			Host:       hop.Edge.IP,
			Port:       hop.Edge.Port,
			Credential: cred,
			Signer:     signer,
			Parent:     current,
			Timeout:    m.timeout,
			Log:        m.log,
		}
		if current == nil {
			opts.ProxyURL = m.proxyURL
		}

		conn := sshconn.New(opts)
		res := conn.Connect(ctx)
		if res.Outcome != sshconn.OutcomeSuccess {
			m.log.Debugw("chain hop failed",
				"to", hop.Edge.ToHost, "ip", hop.Edge.IP, "port", hop.Edge.Port,
				"reason", res.Reason, "err", res.Err)
			return nil, fmt.Errorf("sessions: hop to %s (%s): %w", hop.Edge.ToHost, res.Reason, res.Err)
		}
		current = m.addLocked(ctx, key, conn)
	}
	return current, nil
}

// CloseAll tears down every cached session.
func (m *Manager) CloseAll() {
	if err := m.lock(context.Background()); err != nil {
		return
	}
	defer m.unlock()
	m.cache.Purge()
	metrics.SessionsCached.Set(0)
}

func (m *Manager) Len() int { return m.cache.Len() }
