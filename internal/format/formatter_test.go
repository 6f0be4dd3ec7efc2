package format

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/types"
)

func seededGraph(t *testing.T) graph.Store {
	t.Helper()
	ctx := context.Background()
	g := graph.NewMemory()

	hosts := []types.Host{
		{Hostname: "launch-01", Interfaces: []types.Interface{{IP: "10.0.0.1", Mask: 24}}},
		{Hostname: "web-01", Interfaces: []types.Interface{{IP: "10.0.0.5", Mask: 24}}, Banner: "SSH-2.0-OpenSSH_9.6"},
		{Hostname: "db-01", Interfaces: []types.Interface{{IP: "10.0.1.9", Mask: 24}}},
	}
	for _, h := range hosts {
		if err := g.AddHost(ctx, h); err != nil {
			t.Fatalf("AddHost(%s) = %v", h.Hostname, err)
		}
	}

	edges := []types.AccessEdge{
		{FromHost: "launch-01", ToHost: "web-01", User: "root", Method: "password", Secret: "hunter2", IP: "10.0.0.5", Port: 22, LastSuccessTime: time.Now()},
		{FromHost: "web-01", ToHost: "db-01", User: "deploy", Method: "key", Secret: "wordlists/keys/id_ed25519", IP: "10.0.1.9", Port: 22, LastSuccessTime: time.Now()},
	}
	for _, e := range edges {
		if err := g.AddAccessEdge(ctx, e); err != nil {
			t.Fatalf("AddAccessEdge = %v", err)
		}
	}
	return g
}

func TestBuildReport(t *testing.T) {
	g := seededGraph(t)
	r, err := Build(context.Background(), g, "scanner-1", "run-1")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	if len(r.Hosts) != 3 || len(r.Edges) != 2 {
		t.Fatalf("report holds %d hosts, %d edges, want 3 and 2", len(r.Hosts), len(r.Edges))
	}
	// Sorted by hostname: db-01, launch-01, web-01.
	if r.Hosts[0].Hostname != "db-01" || r.Hosts[2].Hostname != "web-01" {
		t.Errorf("hosts not sorted: %s .. %s", r.Hosts[0].Hostname, r.Hosts[2].Hostname)
	}

	degrees := map[string][2]int{}
	for _, h := range r.Hosts {
		degrees[h.Hostname] = [2]int{h.InDegree, h.OutDegree}
	}
	if degrees["launch-01"] != [2]int{0, 1} {
		t.Errorf("launch-01 degrees = %v, want in 0 out 1", degrees["launch-01"])
	}
	if degrees["web-01"] != [2]int{1, 1} {
		t.Errorf("web-01 degrees = %v, want in 1 out 1", degrees["web-01"])
	}
	if degrees["db-01"] != [2]int{1, 0} {
		t.Errorf("db-01 degrees = %v, want in 1 out 0", degrees["db-01"])
	}
}

func TestJSONFormatOmitsSecrets(t *testing.T) {
	g := seededGraph(t)
	r, err := Build(context.Background(), g, "scanner-1", "run-1")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	f, err := New("json")
	if err != nil {
		t.Fatalf("New(json) = %v", err)
	}
	out, err := f.Format(r)
	if err != nil {
		t.Fatalf("Format() = %v", err)
	}

	if bytes.Contains(out, []byte("hunter2")) || bytes.Contains(out, []byte("id_ed25519")) {
		t.Errorf("export leaks credential material")
	}

	var round Report
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("export is not valid json: %v", err)
	}
	if round.Scanner != "scanner-1" || round.Run != "run-1" {
		t.Errorf("identity = %s/%s", round.Scanner, round.Run)
	}
	if len(round.Edges) != 2 || round.Edges[0].From != "launch-01" {
		t.Errorf("edges = %+v", round.Edges)
	}
}

func TestJSONLFormat(t *testing.T) {
	g := seededGraph(t)
	r, err := Build(context.Background(), g, "scanner-1", "run-1")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	f, _ := New("ndjson")
	out, err := f.Format(r)
	if err != nil {
		t.Fatalf("Format() = %v", err)
	}

	var hostLines, edgeLines int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var rec struct {
			Type    string `json:"type"`
			Scanner string `json:"scanner_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line not valid json: %v", err)
		}
		if rec.Scanner != "scanner-1" {
			t.Errorf("line missing scanner identity: %s", sc.Text())
		}
		switch rec.Type {
		case "host":
			hostLines++
		case "edge":
			edgeLines++
		default:
			t.Errorf("unknown record type %q", rec.Type)
		}
	}
	if hostLines != 3 || edgeLines != 2 {
		t.Errorf("jsonl holds %d host and %d edge lines, want 3 and 2", hostLines, edgeLines)
	}
}

func TestCSVFormat(t *testing.T) {
	g := seededGraph(t)
	r, err := Build(context.Background(), g, "scanner-1", "run-1")
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	f, _ := New("csv")
	out, err := f.Format(r)
	if err != nil {
		t.Fatalf("Format() = %v", err)
	}

	rows, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv has %d rows, want header plus 2 edges", len(rows))
	}
	if rows[0][0] != "from_host" || rows[0][6] != "last_success" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "launch-01" || rows[1][2] != "root" || rows[1][5] != "22" {
		t.Errorf("first edge row = %v", rows[1])
	}
	for _, row := range rows[1:] {
		if strings.Contains(strings.Join(row, ","), "hunter2") {
			t.Errorf("csv leaks a secret: %v", row)
		}
	}
}

func TestNewUnknownFormat(t *testing.T) {
	if _, err := New("xml"); err == nil {
		t.Errorf("New(xml) succeeded")
	}
}
