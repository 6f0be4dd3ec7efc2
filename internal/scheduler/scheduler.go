// Package scheduler drives the recursive scan: a randomized queue of
// target jobs, a bounded worker pool, and depth-limited expansion of
// the subnets each compromised host advertises. Every pivot hostname
// expands at most once; later paths to the same host still record
// their edge.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/gustycube/sshmap/internal/bruteforce"
	"github.com/gustycube/sshmap/internal/dedup"
	"github.com/gustycube/sshmap/internal/emit"
	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/metrics"
	"github.com/gustycube/sshmap/internal/netutil"
	"github.com/gustycube/sshmap/internal/randqueue"
	"github.com/gustycube/sshmap/internal/sessions"
	"github.com/gustycube/sshmap/internal/sshconn"
	"github.com/gustycube/sshmap/internal/sshinfo"
	"github.com/gustycube/sshmap/internal/types"
)

type Config struct {
	// LocalHost is the launch host's own hostname; its IPs are never
	// queued and a pivot resolving to it never expands.
	LocalHost string
	LocalIPs  []types.Interface

	Ports    []int
	Workers  int
	MaxDepth int
	// MaxMask clamps advertised prefixes before expansion so a /8
	// interface does not flood the queue.
	MaxMask int

	AllowCIDRs []string
	DenyCIDRs  []string

	// FixedTargets re-probes the original seed list from every pivot
	// instead of deriving next hops from advertised subnets.
	FixedTargets bool
	ForceRescan  bool

	// StartFrom resumes expansion from a host already in the graph;
	// the session manager rebuilds the chain to it first.
	StartFrom string

	PortProbeTimeout time.Duration
}

// Job is one unit of work: attack a target through an optional parent
// session. ParentHost is the edge source recorded on success.
type Job struct {
	Target     string
	Depth      int
	Parent     *sshconn.Connection
	ParentHost string
}

type Scheduler struct {
	cfg      Config
	engine   *bruteforce.Engine
	graph    graph.Store
	sessions *sessions.Manager
	visited  dedup.Interface
	queue    *randqueue.Queue[Job]
	out      chan<- emit.Batch
	log      *zap.SugaredLogger

	seeds  []string
	allow  []*net.IPNet
	deny   []*net.IPNet
	active atomic.Int64
}

func New(cfg Config, engine *bruteforce.Engine, g graph.Store, mgr *sessions.Manager, visited dedup.Interface, out chan<- emit.Batch, log *zap.SugaredLogger) (*Scheduler, error) {
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{22}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxMask <= 0 {
		cfg.MaxMask = 24
	}
	if cfg.PortProbeTimeout <= 0 {
		cfg.PortProbeTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	allow, err := netutil.ParseCIDRs(cfg.AllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := netutil.ParseCIDRs(cfg.DenyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	return &Scheduler{
		cfg:      cfg,
		engine:   engine,
		graph:    g,
		sessions: mgr,
		visited:  visited,
		queue:    randqueue.New[Job](),
		out:      out,
		log:      log,
		allow:    allow,
		deny:     deny,
	}, nil
}

// Run seeds the queue and blocks until every job has drained or ctx is
// cancelled. Cancellation abandons queued jobs, unwinds in-flight ones,
// and still returns once the workers exit.
func (s *Scheduler) Run(ctx context.Context, seeds []string) error {
	s.seeds = seeds

	if err := s.graph.AddHost(ctx, types.Host{Hostname: s.cfg.LocalHost, Interfaces: s.cfg.LocalIPs}); err != nil {
		return fmt.Errorf("record launch host: %w", err)
	}
	s.visited.Seen("host:" + s.cfg.LocalHost)
	for _, iface := range s.cfg.LocalIPs {
		s.visited.Seen("target:" + iface.IP)
	}

	var parent *sshconn.Connection
	parentHost := s.cfg.LocalHost
	if s.cfg.StartFrom != "" && s.cfg.StartFrom != s.cfg.LocalHost {
		conn, err := s.sessions.GetSession(ctx, s.cfg.StartFrom, s.cfg.LocalHost)
		if err != nil {
			return fmt.Errorf("start from %s: %w", s.cfg.StartFrom, err)
		}
		parent = conn
		parentHost = s.cfg.StartFrom
		s.visited.Seen("host:" + parentHost)
		if !s.cfg.FixedTargets {
			seeds = nil
			for _, iface := range conn.RemoteInterfaces(ctx) {
				for _, ip := range netutil.HostsInSubnet(iface.IP, iface.Mask, s.cfg.MaxMask) {
					if s.allowed(ip) {
						seeds = append(seeds, ip)
					}
				}
			}
			s.log.Infow("seeding from pivot interfaces", "pivot", parentHost, "targets", len(seeds))
		}
	}

	now := time.Now().UTC()
	var queuedEvents []emit.JobEvent
	queued := 0
	for _, t := range s.unscanned(ctx, seeds) {
		if s.visited.Seen("target:" + t) {
			continue
		}
		if !s.queue.Put(Job{Target: t, Depth: 1, Parent: parent, ParentHost: parentHost}) {
			break
		}
		queued++
		queuedEvents = append(queuedEvents, emit.JobEvent{Target: t, Depth: 1, Status: "queued", ObservedAt: now})
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.flush(ctx, nil, nil, queuedEvents)
	if queued == 0 {
		s.queue.Close()
		s.log.Infow("nothing to scan", "seeds", len(seeds))
		return nil
	}
	s.log.Infow("scan started", "targets", queued, "workers", s.cfg.Workers, "max_depth", s.cfg.MaxDepth)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	// Cancellation must wake workers blocked in Get and credit the
	// abandoned jobs so Join cannot hang.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.queue.Close()
		case <-watch:
		}
	}()

	s.queue.Join()
	close(watch)
	s.queue.Close()
	wg.Wait()
	return ctx.Err()
}

// ActiveWorkers reports how many workers hold a job right now, for the
// readiness checker.
func (s *Scheduler) ActiveWorkers() int {
	return int(s.active.Load())
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		job, ok := s.queue.Get()
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(s.queue.Len()))
		s.active.Add(1)
		s.process(ctx, job)
		s.active.Add(-1)
		s.queue.TaskDone()
	}
}

func (s *Scheduler) process(ctx context.Context, job Job) {
	tr := otel.Tracer("sshmap/scheduler")
	ctx, span := tr.Start(ctx, "ScanTarget")
	defer span.End()

	if ctx.Err() != nil {
		return
	}
	if job.Depth > s.cfg.MaxDepth {
		return
	}

	now := time.Now().UTC()
	var hosts []emit.HostEvent
	var edges []emit.EdgeEvent
	var jobs []emit.JobEvent

	// Through a tunnel there is no local reachability check, so deep
	// jobs probe every port blind.
	reachable := job.Parent != nil
	for _, port := range s.cfg.Ports {
		if ctx.Err() != nil {
			return
		}
		banner := ""
		if job.Parent == nil {
			if !netutil.CheckOpenPort(ctx, job.Target, port, s.cfg.PortProbeTimeout) {
				continue
			}
			reachable = true
			if b, err := sshinfo.FetchBanner(ctx, job.Target, port, s.cfg.PortProbeTimeout); err == nil {
				banner = b
			}
		}

		for _, conn := range s.engine.Attack(ctx, job.Target, port, job.Parent) {
			s.recordAccess(ctx, job, port, conn, banner, now, &hosts, &edges, &jobs)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := s.graph.MarkScanned(ctx, job.Target); err != nil {
		s.log.Warnw("mark scanned failed", "target", job.Target, "error", err)
	}
	status := "scanned"
	if !reachable {
		status = "unreachable"
	}
	metrics.TargetsTotal.WithLabelValues(status).Inc()
	jobs = append(jobs, emit.JobEvent{Target: job.Target, Depth: job.Depth, Status: status, ObservedAt: now})
	s.flush(ctx, hosts, edges, jobs)
}

// recordAccess persists the host and edge for one successful session
// and expands from it unless the pivot is already claimed.
func (s *Scheduler) recordAccess(ctx context.Context, job Job, port int, conn *sshconn.Connection, banner string, now time.Time, hosts *[]emit.HostEvent, edges *[]emit.EdgeEvent, jobs *[]emit.JobEvent) {
	remoteHost := conn.RemoteHostname()
	ifaces := conn.RemoteInterfaces(ctx)
	cred := conn.Credential()

	if err := s.graph.AddHost(ctx, types.Host{Hostname: remoteHost, Interfaces: ifaces, Banner: banner}); err != nil {
		s.log.Errorw("persist host failed", "host", remoteHost, "error", err)
		return
	}
	metrics.HostsDiscovered.Inc()

	edge := types.AccessEdge{
		FromHost:        job.ParentHost,
		ToHost:          remoteHost,
		User:            cred.User,
		Method:          cred.Method,
		Secret:          cred.Secret,
		IP:              job.Target,
		Port:            port,
		LastSuccessTime: now,
	}
	if err := s.graph.AddAccessEdge(ctx, edge); err != nil {
		s.log.Errorw("persist edge failed", "from", job.ParentHost, "to", remoteHost, "error", err)
	} else {
		metrics.EdgesTotal.Inc()
	}

	ips := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		ips = append(ips, fmt.Sprintf("%s/%d", iface.IP, iface.Mask))
	}
	*hosts = append(*hosts, emit.HostEvent{Hostname: remoteHost, IPs: ips, Banner: banner, Depth: job.Depth, ObservedAt: now})
	*edges = append(*edges, emit.EdgeEvent{FromHost: job.ParentHost, ToHost: remoteHost, IP: job.Target, Port: port, User: cred.User, Method: cred.Method, ObservedAt: now})

	s.log.Infow("access recorded",
		"from", job.ParentHost, "to", remoteHost,
		"ip", job.Target, "port", port,
		"user", cred.User, "method", cred.Method, "depth", job.Depth)

	if remoteHost == s.cfg.LocalHost {
		return
	}
	if job.Depth+1 > s.cfg.MaxDepth {
		return
	}
	// First-comer claims the pivot; later paths record the edge only.
	if s.visited.Seen("host:" + remoteHost) {
		return
	}
	s.expand(ctx, job, conn, remoteHost, ifaces, now, jobs)
}

func (s *Scheduler) expand(ctx context.Context, job Job, conn *sshconn.Connection, pivot string, ifaces []types.Interface, now time.Time, jobs *[]emit.JobEvent) {
	var next []string
	if s.cfg.FixedTargets {
		next = s.seeds
	} else {
		for _, iface := range ifaces {
			for _, ip := range netutil.HostsInSubnet(iface.IP, iface.Mask, s.cfg.MaxMask) {
				if s.allowed(ip) {
					next = append(next, ip)
				}
			}
		}
	}

	queued := 0
	for _, ip := range s.unscanned(ctx, next) {
		// Fixed-targets mode re-probes the same addresses from every
		// pivot, so the per-target claim only applies to derived hops.
		if !s.cfg.FixedTargets && s.visited.Seen("target:"+ip) {
			continue
		}
		if !s.queue.Put(Job{Target: ip, Depth: job.Depth + 1, Parent: conn, ParentHost: pivot}) {
			return
		}
		queued++
		*jobs = append(*jobs, emit.JobEvent{Target: ip, Depth: job.Depth + 1, Status: "queued", ObservedAt: now})
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.log.Infow("expanding from pivot", "pivot", pivot, "depth", job.Depth+1, "targets", queued)
}

func (s *Scheduler) allowed(ip string) bool {
	if len(s.allow) > 0 && !netutil.ContainsIP(s.allow, ip) {
		return false
	}
	return !netutil.ContainsIP(s.deny, ip)
}

// unscanned drops targets a previous run already probed. Fixed-targets
// mode re-probes on purpose and force-rescan disables the filter, so
// both pass the list through untouched.
func (s *Scheduler) unscanned(ctx context.Context, ips []string) []string {
	if s.cfg.ForceRescan || s.cfg.FixedTargets {
		return ips
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if done, err := s.graph.IsScanned(ctx, ip); err == nil && done {
			s.log.Debugw("target already scanned", "target", ip)
			metrics.TargetsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		out = append(out, ip)
	}
	return out
}

func (s *Scheduler) flush(ctx context.Context, hosts []emit.HostEvent, edges []emit.EdgeEvent, jobs []emit.JobEvent) {
	if s.out == nil || len(hosts)+len(edges)+len(jobs) == 0 {
		return
	}
	select {
	case s.out <- emit.Batch{Hosts: hosts, Edges: edges, Jobs: jobs}:
	case <-ctx.Done():
	}
}
