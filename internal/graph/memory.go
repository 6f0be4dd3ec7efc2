package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gustycube/sshmap/internal/types"
)

// Memory is the in-process graph store. It is the default backend for
// single-probe runs and the reference implementation for tests.
type Memory struct {
	mu      sync.RWMutex
	hosts   map[string]types.Host
	edges   map[string]types.AccessEdge
	scanned map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		hosts:   make(map[string]types.Host),
		edges:   make(map[string]types.AccessEdge),
		scanned: make(map[string]time.Time),
	}
}

func (m *Memory) AddHost(_ context.Context, host types.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addHostLocked(host)
	return nil
}

func (m *Memory) addHostLocked(host types.Host) {
	now := time.Now().UTC()
	existing, ok := m.hosts[host.Hostname]
	if !ok {
		if host.FirstSeen.IsZero() {
			host.FirstSeen = now
		}
		host.LastSeen = now
		m.hosts[host.Hostname] = host
		return
	}
	if len(host.Interfaces) > 0 {
		existing.Interfaces = host.Interfaces
	}
	if host.Banner != "" {
		existing.Banner = host.Banner
	}
	existing.LastSeen = now
	m.hosts[host.Hostname] = existing
}

func (m *Memory) AddAccessEdge(_ context.Context, edge types.AccessEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if edge.LastSuccessTime.IsZero() {
		edge.LastSuccessTime = time.Now().UTC()
	}
	key := edge.EdgeKey()
	if existing, ok := m.edges[key]; ok {
		existing.LastSuccessTime = edge.LastSuccessTime
		m.edges[key] = existing
		return nil
	}
	// Endpoints may not have been announced yet
	if _, ok := m.hosts[edge.FromHost]; !ok {
		m.addHostLocked(types.Host{Hostname: edge.FromHost})
	}
	if _, ok := m.hosts[edge.ToHost]; !ok {
		m.addHostLocked(types.Host{Hostname: edge.ToHost})
	}
	m.edges[key] = edge
	return nil
}

func (m *Memory) FindPath(_ context.Context, start, end string) ([]Hop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return shortestPath(m.edgesBySourceLocked(), start, end)
}

func (m *Memory) edgesBySourceLocked() map[string][]types.AccessEdge {
	by := make(map[string][]types.AccessEdge)
	for _, e := range m.edges {
		by[e.FromHost] = append(by[e.FromHost], e)
	}
	for from := range by {
		es := by[from]
		sort.Slice(es, func(i, j int) bool {
			return es[i].LastSuccessTime.After(es[j].LastSuccessTime)
		})
	}
	return by
}

func (m *Memory) GetHost(_ context.Context, hostname string) (types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[hostname]
	if !ok {
		return types.Host{}, ErrHostNotFound
	}
	return host, nil
}

func (m *Memory) AllHosts(_ context.Context) ([]types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (m *Memory) EdgesFrom(_ context.Context, hostname string) ([]types.AccessEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.AccessEdge
	for _, e := range m.edges {
		if e.FromHost == hostname {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSuccessTime.After(out[j].LastSuccessTime)
	})
	return out, nil
}

func (m *Memory) MarkScanned(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned[ip] = time.Now().UTC()
	return nil
}

func (m *Memory) IsScanned(_ context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.scanned[ip]
	return ok, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
