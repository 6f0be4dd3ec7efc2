// Package format renders the access graph for export. The graph store
// is the source of truth; these writers turn a snapshot of it into
// something a reporting pipeline or a spreadsheet can take.
package format

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/sshmap/internal/graph"
)

// Report is a point-in-time export of hosts and the logins between them.
type Report struct {
	Scanner     string       `json:"scanner_id"`
	Run         string       `json:"run_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Hosts       []ReportHost `json:"hosts"`
	Edges       []ReportEdge `json:"edges"`
}

type ReportHost struct {
	Hostname  string    `json:"hostname"`
	IPs       []string  `json:"ips,omitempty"`
	Banner    string    `json:"banner,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	// Degree counts make the well-connected hosts easy to rank.
	InDegree  int `json:"in_degree"`
	OutDegree int `json:"out_degree"`
}

// ReportEdge is one working login. Secrets stay in the credential
// store; exports carry who and how, never the password itself.
type ReportEdge struct {
	From        string    `json:"from_host"`
	To          string    `json:"to_host"`
	User        string    `json:"user"`
	Method      string    `json:"method"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	LastSuccess time.Time `json:"last_success"`
}

// Build walks the graph store into a Report. Hosts come out sorted by
// hostname and edges by source so repeated exports diff cleanly.
func Build(ctx context.Context, g graph.Store, scanner, run string) (*Report, error) {
	hosts, err := g.AllHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	r := &Report{Scanner: scanner, Run: run, GeneratedAt: time.Now().UTC()}
	inDegree := map[string]int{}
	outDegree := map[string]int{}

	for _, h := range hosts {
		edges, err := g.EdgesFrom(ctx, h.Hostname)
		if err != nil {
			return nil, fmt.Errorf("edges from %s: %w", h.Hostname, err)
		}
		for _, e := range edges {
			outDegree[e.FromHost]++
			inDegree[e.ToHost]++
			r.Edges = append(r.Edges, ReportEdge{
				From:        e.FromHost,
				To:          e.ToHost,
				User:        e.User,
				Method:      e.Method,
				IP:          e.IP,
				Port:        e.Port,
				LastSuccess: e.LastSuccessTime,
			})
		}
	}

	for _, h := range hosts {
		var ips []string
		for _, iface := range h.Interfaces {
			ips = append(ips, iface.IP)
		}
		r.Hosts = append(r.Hosts, ReportHost{
			Hostname:  h.Hostname,
			IPs:       ips,
			Banner:    h.Banner,
			FirstSeen: h.FirstSeen,
			LastSeen:  h.LastSeen,
			InDegree:  inDegree[h.Hostname],
			OutDegree: outDegree[h.Hostname],
		})
	}

	sort.Slice(r.Hosts, func(i, j int) bool { return r.Hosts[i].Hostname < r.Hosts[j].Hostname })
	sort.Slice(r.Edges, func(i, j int) bool {
		if r.Edges[i].From != r.Edges[j].From {
			return r.Edges[i].From < r.Edges[j].From
		}
		if r.Edges[i].To != r.Edges[j].To {
			return r.Edges[i].To < r.Edges[j].To
		}
		return r.Edges[i].User < r.Edges[j].User
	})
	return r, nil
}

// Formatter renders a report into a single payload.
type Formatter interface {
	Format(r *Report) ([]byte, error)
	ContentType() string
}

// New returns the formatter for the named output format: json, jsonl
// (ndjson) or csv.
func New(name string) (Formatter, error) {
	switch strings.ToLower(name) {
	case "json":
		return jsonFormatter{}, nil
	case "jsonl", "ndjson":
		return jsonlFormatter{}, nil
	case "csv":
		return csvFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", name)
	}
}

type jsonFormatter struct{}

func (jsonFormatter) Format(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (jsonFormatter) ContentType() string { return "application/json" }

// jsonlFormatter writes one self-contained record per line with a type
// discriminator, for log shippers that want streamable input.
type jsonlFormatter struct{}

func (jsonlFormatter) Format(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, h := range r.Hosts {
		rec := struct {
			Type    string `json:"type"`
			Scanner string `json:"scanner_id"`
			Run     string `json:"run_id"`
			ReportHost
		}{"host", r.Scanner, r.Run, h}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	for _, e := range r.Edges {
		rec := struct {
			Type    string `json:"type"`
			Scanner string `json:"scanner_id"`
			Run     string `json:"run_id"`
			ReportEdge
		}{"edge", r.Scanner, r.Run, e}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (jsonlFormatter) ContentType() string { return "application/x-ndjson" }

// csvFormatter writes the edge list only. A spreadsheet wants the
// access matrix; host metadata lives in the json formats.
type csvFormatter struct{}

func (csvFormatter) Format(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"from_host", "to_host", "user", "method", "ip", "port", "last_success", "scanner_id", "run_id"})
	for _, e := range r.Edges {
		w.Write([]string{
			e.From,
			e.To,
			e.User,
			e.Method,
			e.IP,
			strconv.Itoa(e.Port),
			e.LastSuccess.UTC().Format(time.RFC3339),
			r.Scanner,
			r.Run,
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (csvFormatter) ContentType() string { return "text/csv" }
