package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gustycube/sshmap/internal/types"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS hosts (
	hostname TEXT PRIMARY KEY,
	interfaces TEXT NOT NULL DEFAULT '[]',
	banner TEXT NOT NULL DEFAULT '',
	first_seen TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS access_edges (
	from_host TEXT NOT NULL,
	to_host TEXT NOT NULL,
	username TEXT NOT NULL,
	method TEXT NOT NULL,
	secret TEXT NOT NULL,
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	last_success_time TIMESTAMP NOT NULL,
	PRIMARY KEY (from_host, to_host, username, method, secret, ip, port)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON access_edges(from_host);

CREATE TABLE IF NOT EXISTS scanned_targets (
	ip TEXT PRIMARY KEY,
	scanned_at TIMESTAMP NOT NULL
);
`

// SQL persists the graph in SQLite or Postgres. The same DDL and
// ON CONFLICT upserts work on both drivers.
type SQL struct {
	db *sqlx.DB
}

func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("graph open %s: %w", driver, err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error { return db.Ping() }, bo); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph ping: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

type hostRow struct {
	Hostname   string    `db:"hostname"`
	Interfaces string    `db:"interfaces"`
	Banner     string    `db:"banner"`
	FirstSeen  time.Time `db:"first_seen"`
	LastSeen   time.Time `db:"last_seen"`
}

func (r hostRow) toHost() types.Host {
	h := types.Host{
		Hostname:  r.Hostname,
		Banner:    r.Banner,
		FirstSeen: r.FirstSeen,
		LastSeen:  r.LastSeen,
	}
	json.Unmarshal([]byte(r.Interfaces), &h.Interfaces)
	return h
}

func (g *SQL) AddHost(ctx context.Context, host types.Host) error {
	ifaces := "[]"
	if len(host.Interfaces) > 0 {
		b, err := json.Marshal(host.Interfaces)
		if err != nil {
			return fmt.Errorf("graph marshal interfaces: %w", err)
		}
		ifaces = string(b)
	}
	now := time.Now().UTC()
	q := g.db.Rebind(`INSERT INTO hosts (hostname, interfaces, banner, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hostname) DO UPDATE SET
			interfaces = CASE WHEN excluded.interfaces != '[]' THEN excluded.interfaces ELSE hosts.interfaces END,
			banner = CASE WHEN excluded.banner != '' THEN excluded.banner ELSE hosts.banner END,
			last_seen = excluded.last_seen`)
	if _, err := g.db.ExecContext(ctx, q, host.Hostname, ifaces, host.Banner, now, now); err != nil {
		return fmt.Errorf("graph add host %s: %w", host.Hostname, err)
	}
	return nil
}

func (g *SQL) AddAccessEdge(ctx context.Context, edge types.AccessEdge) error {
	if edge.LastSuccessTime.IsZero() {
		edge.LastSuccessTime = time.Now().UTC()
	}
	// Endpoints may not have been announced yet
	for _, h := range []string{edge.FromHost, edge.ToHost} {
		q := g.db.Rebind(`INSERT INTO hosts (hostname, first_seen, last_seen)
			VALUES (?, ?, ?) ON CONFLICT (hostname) DO NOTHING`)
		if _, err := g.db.ExecContext(ctx, q, h, edge.LastSuccessTime, edge.LastSuccessTime); err != nil {
			return fmt.Errorf("graph ensure host %s: %w", h, err)
		}
	}
	q := g.db.Rebind(`INSERT INTO access_edges
		(from_host, to_host, username, method, secret, ip, port, last_success_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_host, to_host, username, method, secret, ip, port)
		DO UPDATE SET last_success_time = excluded.last_success_time`)
	_, err := g.db.ExecContext(ctx, q,
		edge.FromHost, edge.ToHost, edge.User, edge.Method, edge.Secret,
		edge.IP, edge.Port, edge.LastSuccessTime)
	if err != nil {
		return fmt.Errorf("graph add edge %s->%s: %w", edge.FromHost, edge.ToHost, err)
	}
	return nil
}

func (g *SQL) FindPath(ctx context.Context, start, end string) ([]Hop, error) {
	var edges []types.AccessEdge
	err := g.db.SelectContext(ctx, &edges,
		`SELECT from_host, to_host, username, method, secret, ip, port, last_success_time FROM access_edges`)
	if err != nil {
		return nil, fmt.Errorf("graph load edges: %w", err)
	}
	by := make(map[string][]types.AccessEdge)
	for _, e := range edges {
		by[e.FromHost] = append(by[e.FromHost], e)
	}
	for from := range by {
		es := by[from]
		sort.Slice(es, func(i, j int) bool {
			return es[i].LastSuccessTime.After(es[j].LastSuccessTime)
		})
	}
	return shortestPath(by, start, end)
}

func (g *SQL) GetHost(ctx context.Context, hostname string) (types.Host, error) {
	var row hostRow
	q := g.db.Rebind(`SELECT hostname, interfaces, banner, first_seen, last_seen FROM hosts WHERE hostname = ?`)
	if err := g.db.GetContext(ctx, &row, q, hostname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Host{}, ErrHostNotFound
		}
		return types.Host{}, fmt.Errorf("graph get host %s: %w", hostname, err)
	}
	return row.toHost(), nil
}

func (g *SQL) AllHosts(ctx context.Context) ([]types.Host, error) {
	var rows []hostRow
	err := g.db.SelectContext(ctx, &rows,
		`SELECT hostname, interfaces, banner, first_seen, last_seen FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("graph all hosts: %w", err)
	}
	out := make([]types.Host, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toHost())
	}
	return out, nil
}

func (g *SQL) EdgesFrom(ctx context.Context, hostname string) ([]types.AccessEdge, error) {
	var edges []types.AccessEdge
	q := g.db.Rebind(`SELECT from_host, to_host, username, method, secret, ip, port, last_success_time
		FROM access_edges WHERE from_host = ? ORDER BY last_success_time DESC`)
	if err := g.db.SelectContext(ctx, &edges, q, hostname); err != nil {
		return nil, fmt.Errorf("graph edges from %s: %w", hostname, err)
	}
	return edges, nil
}

func (g *SQL) MarkScanned(ctx context.Context, ip string) error {
	q := g.db.Rebind(`INSERT INTO scanned_targets (ip, scanned_at) VALUES (?, ?)
		ON CONFLICT (ip) DO NOTHING`)
	if _, err := g.db.ExecContext(ctx, q, ip, time.Now().UTC()); err != nil {
		return fmt.Errorf("graph mark scanned %s: %w", ip, err)
	}
	return nil
}

func (g *SQL) IsScanned(ctx context.Context, ip string) (bool, error) {
	var n int
	q := g.db.Rebind(`SELECT COUNT(*) FROM scanned_targets WHERE ip = ?`)
	if err := g.db.GetContext(ctx, &n, q, ip); err != nil {
		return false, fmt.Errorf("graph is scanned %s: %w", ip, err)
	}
	return n > 0, nil
}

func (g *SQL) Ping(ctx context.Context) error { return g.db.PingContext(ctx) }

func (g *SQL) Close() error { return g.db.Close() }
