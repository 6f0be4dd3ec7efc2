package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gustycube/sshmap/internal/circuitbreaker"
	"github.com/gustycube/sshmap/internal/httpclient"
)

// HostEvent reports a host reached during the scan. Secrets never ride
// events; the credential store is the only place they live.
type HostEvent struct {
	Hostname   string    `json:"hostname"`
	IPs        []string  `json:"ips,omitempty"`
	Banner     string    `json:"banner,omitempty"`
	Depth      int       `json:"depth"`
	ObservedAt time.Time `json:"observed_at"`
}

// EdgeEvent reports a working access path between two hosts.
type EdgeEvent struct {
	FromHost   string    `json:"from_host"`
	ToHost     string    `json:"to_host"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	User       string    `json:"user"`
	Method     string    `json:"method"`
	ObservedAt time.Time `json:"observed_at"`
}

// JobEvent reports scan queue lifecycle: queued, scanned, unreachable.
type JobEvent struct {
	Target     string    `json:"target"`
	Port       int       `json:"port,omitempty"`
	Depth      int       `json:"depth"`
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observed_at"`
}

type Batch struct {
	ScannerID string      `json:"scanner_id"`
	RunID     string      `json:"run_id"`
	Hosts     []HostEvent `json:"hosts,omitempty"`
	Edges     []EdgeEvent `json:"edges,omitempty"`
	Jobs      []JobEvent  `json:"jobs,omitempty"`
}

type Emitter struct {
	ingest     string
	scannerID  string
	runID      string
	batchMax   int
	flushEvery time.Duration
	spoolDir   string
	client     *httpclient.Resilient
	mu         sync.Mutex
	acc        Batch
}

func NewEmitter(ingest, scannerID, runID string, batchMax int, flushEvery time.Duration, spoolDir, mtlsCert, mtlsKey, mtlsCA string) (*Emitter, error) {
	hc, err := httpclient.New(mtlsCert, mtlsKey, mtlsCA)
	if err != nil {
		return nil, fmt.Errorf("collector client: %w", err)
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("spool dir: %w", err)
	}
	return &Emitter{
		ingest: ingest, scannerID: scannerID, runID: runID,
		batchMax: batchMax, flushEvery: flushEvery, spoolDir: spoolDir,
		client: httpclient.NewResilient(hc),
		acc:    Batch{ScannerID: scannerID, RunID: runID},
	}, nil
}

func (e *Emitter) Run(ctx context.Context, in <-chan Batch, log *zap.SugaredLogger) {
	t := time.NewTimer(e.flushEvery)
	for {
		select {
		case b, ok := <-in:
			if !ok {
				return
			}
			e.append(b)
			if len(e.acc.Edges)+len(e.acc.Jobs) >= e.batchMax || len(e.acc.Hosts) >= e.batchMax/2 {
				e.flush(log)
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(e.flushEvery)
			}
		case <-t.C:
			e.flush(log)
			t.Reset(e.flushEvery)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Emitter) append(b Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc.Hosts = append(e.acc.Hosts, b.Hosts...)
	e.acc.Edges = append(e.acc.Edges, b.Edges...)
	e.acc.Jobs = append(e.acc.Jobs, b.Jobs...)
}

func (e *Emitter) flush(log *zap.SugaredLogger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.acc.Hosts)+len(e.acc.Edges)+len(e.acc.Jobs) == 0 {
		return
	}
	if e.ingest == "" {
		_ = json.NewEncoder(os.Stdout).Encode(e.acc)
	} else {
		if err := e.post(e.acc); err != nil {
			log.Warnw("ingest failed, spooling", "err", err)
			e.spool(e.acc, log)
		}
	}
	e.acc = Batch{ScannerID: e.scannerID, RunID: e.runID}
}

func (e *Emitter) post(b Batch) error {
	buf := &bytes.Buffer{}
	_ = json.NewEncoder(buf).Encode(b)
	op := func() error {
		req, _ := http.NewRequest("POST", e.ingest, bytes.NewReader(buf.Bytes()))
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		if err != nil {
			// An open breaker will not close inside one retry cycle;
			// spool now, Drain replays later.
			if httpclient.IsCircuitOpen(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Non-5xx rejection means the request is wrong, not the
			// collector down. Retrying the same payload cannot help.
			return backoff.Permanent(fmt.Errorf("ingest status %s", resp.Status))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, bo)
}

func (e *Emitter) spool(b Batch, log *zap.SugaredLogger) {
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	path := filepath.Join(e.spoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		log.Errorw("spool create", "err", err)
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(b)
}

func (e *Emitter) Drain(log *zap.SugaredLogger) {
	e.flush(log)
	// attempt to resend spooled files
	entries, _ := os.ReadDir(e.spoolDir)
	for _, ent := range entries {
		p := filepath.Join(e.spoolDir, ent.Name())
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		var b Batch
		if err := json.NewDecoder(f).Decode(&b); err == nil {
			if e.ingest == "" || e.post(b) == nil {
				_ = f.Close()
				_ = os.Remove(p)
				continue
			}
		}
		_ = f.Close()
	}
}

// IngestCheck reports collector connectivity for the health endpoint.
// Stdout mode has no collector and always passes.
func (e *Emitter) IngestCheck(ctx context.Context) error {
	if e.ingest == "" {
		return nil
	}
	if s := e.client.State(); s == circuitbreaker.StateOpen {
		return fmt.Errorf("ingest circuit open, batches spooling to %s", e.spoolDir)
	}
	return nil
}
