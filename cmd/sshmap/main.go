package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/sshmap/internal/bruteforce"
	"github.com/gustycube/sshmap/internal/config"
	"github.com/gustycube/sshmap/internal/credstore"
	"github.com/gustycube/sshmap/internal/dedup"
	"github.com/gustycube/sshmap/internal/emit"
	"github.com/gustycube/sshmap/internal/format"
	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/health"
	"github.com/gustycube/sshmap/internal/ledger"
	"github.com/gustycube/sshmap/internal/logging"
	"github.com/gustycube/sshmap/internal/metrics"
	"github.com/gustycube/sshmap/internal/netutil"
	"github.com/gustycube/sshmap/internal/queue"
	"github.com/gustycube/sshmap/internal/scheduler"
	"github.com/gustycube/sshmap/internal/sessions"
	"github.com/gustycube/sshmap/internal/telemetry"
	"github.com/gustycube/sshmap/internal/ui"
)

const version = "1.0.0"

func main() {
	var configFile string
	var targets string
	var ports string
	var maxDepth int
	var workers int
	var maxMask int
	var allowList string
	var denyList string
	var fixedTargets bool
	var forceRescan bool
	var startFrom string
	var scannerID string
	var runID string
	var scanTimeout int
	var maxRetries int
	var maxConcurrent int
	var recordAttempts bool
	var proxyURL string
	var dialsPerSecond float64
	var credentialsPath string
	var usersPath string
	var passwordsPath string
	var keysPath string
	var ledgerDriver, ledgerDSN string
	var graphDriver, graphDSN string
	var ingest string
	var spoolDir string
	var metricsAddr string
	var mtlsCert, mtlsKey, mtlsCA string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var pathTarget string
	var pathFrom string
	var execHost string
	var execCmd string
	var report bool
	var outputFormat string
	var outputPath string
	var quiet bool
	var verbose bool
	var progress bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&targets, "targets", "", "target file or inline list (IPs and CIDR ranges)")
	flag.StringVar(&ports, "ports", "", "comma-separated SSH ports to probe")
	flag.IntVar(&maxDepth, "max_depth", 0, "maximum pivot depth")
	flag.IntVar(&workers, "workers", 0, "concurrent scan workers")
	flag.IntVar(&maxMask, "max_mask", 0, "clamp advertised subnets to at least this prefix length")
	flag.StringVar(&allowList, "allow", "", "comma-separated CIDRs expansion may enter (empty allows all)")
	flag.StringVar(&denyList, "deny", "", "comma-separated CIDRs expansion must never enter")
	flag.BoolVar(&fixedTargets, "fixed_targets", false, "re-probe the seed list from every pivot instead of expanding subnets")
	flag.BoolVar(&forceRescan, "force_rescan", false, "retry combinations the attempt ledger already holds")
	flag.StringVar(&startFrom, "start_from", "", "resume expansion from this already-mapped host")
	flag.StringVar(&scannerID, "scanner", "", "scanner id")
	flag.StringVar(&runID, "run", "", "run id")
	flag.IntVar(&scanTimeout, "scan_timeout", 0, "per-connect timeout in seconds")
	flag.IntVar(&maxRetries, "max_retries", 0, "attempts per credential before a transient failure is final")
	flag.IntVar(&maxConcurrent, "max_concurrent", 0, "concurrent credential trials per target")
	flag.BoolVar(&recordAttempts, "record_attempts", true, "write every trial to the attempt ledger")
	flag.StringVar(&proxyURL, "proxy", "", "socks5/http proxy for the first hop")
	flag.Float64Var(&dialsPerSecond, "dials_per_second", 0, "per-target dial rate limit (0 disables)")
	flag.StringVar(&credentialsPath, "credentials", "", "credential CSV store path")
	flag.StringVar(&usersPath, "users", "", "username wordlist path")
	flag.StringVar(&passwordsPath, "passwords", "", "password wordlist path")
	flag.StringVar(&keysPath, "keys", "", "directory of SSH private keys")
	flag.StringVar(&ledgerDriver, "ledger_driver", "", "attempt ledger driver (sqlite3 or postgres)")
	flag.StringVar(&ledgerDSN, "ledger_dsn", "", "attempt ledger DSN or file path")
	flag.StringVar(&graphDriver, "graph_driver", "", "graph store driver (memory, sqlite3, or postgres)")
	flag.StringVar(&graphDSN, "graph_dsn", "", "graph store DSN or file path")
	flag.StringVar(&ingest, "ingest", "", "event collector endpoint (optional). If empty, prints JSON batches to stdout")
	flag.StringVar(&spoolDir, "spool_dir", "", "spool dir for failed batches")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&mtlsCert, "mtls_cert", "", "client cert (PEM) for mTLS to the collector")
	flag.StringVar(&mtlsKey, "mtls_key", "", "client key (PEM) for mTLS to the collector")
	flag.StringVar(&mtlsCA, "mtls_ca", "", "CA bundle (PEM) for mTLS to the collector")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.StringVar(&pathTarget, "path", "", "print the stored hop sequence to this host and exit")
	flag.StringVar(&pathFrom, "from", "", "path start host (defaults to the local hostname)")
	flag.StringVar(&execHost, "on", "", "host to run -exec on through the mapped chain")
	flag.StringVar(&execCmd, "exec", "", "command to execute on the -on host")
	flag.BoolVar(&report, "report", false, "export the stored access graph and exit")
	flag.StringVar(&outputFormat, "output_format", "json", "report format: json, jsonl, or csv")
	flag.StringVar(&outputPath, "output", "", "report destination file (empty writes to stdout)")
	flag.BoolVar(&quiet, "quiet", false, "suppress progress output")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")
	flag.BoolVar(&progress, "progress", true, "show progress indicators")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "SSHMAP - SSH lateral movement mapper\n")
		fmt.Fprintf(os.Stderr, "Recursively maps which hosts can reach which over SSH by bruteforcing from each compromised pivot\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -targets=targets.txt\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -targets=10.0.10.0/24 -ports=22,2222 -max_depth=2\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml -force_rescan\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -path=db-01\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -on=db-01 -exec=\"uname -a\"\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -report -output_format=csv -output=access.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server for the shared visited set\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server for the shared target queue\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_KEY  Redis target queue key\n")
		fmt.Fprintf(os.Stderr, "  LEDGER_DSN       Attempt ledger DSN\n")
		fmt.Fprintf(os.Stderr, "  GRAPH_DSN        Graph store DSN\n")
		fmt.Fprintf(os.Stderr, "\nFor more information: https://github.com/gustycube/sshmap\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("SSHMAP v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		fmt.Println("https://github.com/gustycube/sshmap")
		os.Exit(0)
	}

	if targets == "" && configFile == "" && startFrom == "" &&
		pathTarget == "" && execCmd == "" && !report && os.Getenv("REDIS_QUEUE_ADDR") == "" {
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New()
	if verbose {
		log = logging.NewDebug()
	}
	defer log.Sync()

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if targets != "" {
		flags["targets"] = targets
	}
	if ports != "" {
		parsed, err := config.ParsePorts(ports)
		if err != nil {
			log.Fatalw("invalid -ports", "value", ports, "err", err)
		}
		flags["ports"] = parsed
	}
	if maxDepth > 0 {
		flags["max_depth"] = maxDepth
	}
	if workers > 0 {
		flags["workers"] = workers
	}
	if maxMask > 0 {
		flags["max_mask"] = maxMask
	}
	if startFrom != "" {
		flags["start_from"] = startFrom
	}
	if scannerID != "" {
		flags["scanner"] = scannerID
	}
	if runID != "" {
		flags["run"] = runID
	}
	if scanTimeout > 0 {
		flags["scan_timeout_sec"] = scanTimeout
	}
	if maxRetries > 0 {
		flags["max_retries"] = maxRetries
	}
	if maxConcurrent > 0 {
		flags["max_concurrent"] = maxConcurrent
	}
	if proxyURL != "" {
		flags["proxy_url"] = proxyURL
	}
	if dialsPerSecond > 0 {
		flags["dials_per_second"] = dialsPerSecond
	}
	if credentialsPath != "" {
		flags["credentials"] = credentialsPath
	}
	if usersPath != "" {
		flags["users"] = usersPath
	}
	if passwordsPath != "" {
		flags["passwords"] = passwordsPath
	}
	if keysPath != "" {
		flags["keys"] = keysPath
	}
	if ledgerDriver != "" {
		flags["ledger_driver"] = ledgerDriver
	}
	if ledgerDSN != "" {
		flags["ledger_dsn"] = ledgerDSN
	}
	if graphDriver != "" {
		flags["graph_driver"] = graphDriver
	}
	if graphDSN != "" {
		flags["graph_dsn"] = graphDSN
	}
	if ingest != "" {
		flags["ingest"] = ingest
	}
	if spoolDir != "" {
		flags["spool_dir"] = spoolDir
	}
	if metricsAddr != "" {
		flags["metrics_addr"] = metricsAddr
	}
	if mtlsCert != "" {
		flags["mtls_cert"] = mtlsCert
	}
	if mtlsKey != "" {
		flags["mtls_key"] = mtlsKey
	}
	if mtlsCA != "" {
		flags["mtls_ca"] = mtlsCA
	}
	if otelEndpoint != "" {
		flags["otel_endpoint"] = otelEndpoint
	}
	if otelService != "" {
		flags["otel_service"] = otelService
	}
	flags["otel_insecure"] = otelInsecure
	flags["fixed_targets"] = fixedTargets
	flags["force_rescan"] = forceRescan
	flags["record_attempts"] = recordAttempts

	cfg.MergeWithFlags(flags)

	if allowList != "" {
		cfg.AllowCIDRs = splitList(allowList)
	}
	if denyList != "" {
		cfg.DenyCIDRs = splitList(denyList)
	}

	if pathTarget != "" {
		runPathMode(context.Background(), cfg, pathFrom, pathTarget, log)
		return
	}
	if execCmd != "" {
		if execHost == "" {
			log.Fatalw("-exec requires -on <host>")
		}
		runExecMode(context.Background(), cfg, execHost, execCmd, log)
		return
	}
	if report {
		runReportMode(context.Background(), cfg, outputFormat, outputPath, log)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	shutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("scanner", cfg.Scanner)
	healthHandler.SetMetadata("run", cfg.Run)
	healthHandler.SetMetadata("version", version)

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	localHost, localIPs := netutil.LocalInfo()

	var visited dedup.Interface
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(cfg.RedisAddr, 24*time.Hour)
		if err != nil {
			log.Fatalw("redis init", "err", err)
		}
		visited = rd
		healthHandler.RegisterChecker("redis", health.NewPingChecker(rd.Ping))
		log.Infow("redis visited set enabled", "addr", cfg.RedisAddr)
	} else {
		visited = dedup.NewMemory()
		log.Infow("memory visited set enabled")
	}

	led, err := ledger.Open(cfg.LedgerDriver, sqliteAware(cfg.LedgerDriver, cfg.LedgerDSN), log)
	if err != nil {
		log.Fatalw("open attempt ledger", "driver", cfg.LedgerDriver, "err", err)
	}
	healthHandler.RegisterChecker("ledger", health.NewPingChecker(led.Ping))

	g, err := openGraph(cfg)
	if err != nil {
		log.Fatalw("open graph store", "driver", cfg.GraphDriver, "err", err)
	}
	healthHandler.RegisterChecker("graph", health.NewPingChecker(g.Ping))

	creds, err := credstore.Open(cfg.Credentials)
	if err != nil {
		log.Fatalw("open credential store", "path", cfg.Credentials, "err", err)
	}
	seedWordlists(cfg, creds, log)

	timeout := time.Duration(cfg.ScanTimeoutSec) * time.Second
	mgr, err := sessions.New(cfg.SessionCache, g, creds, cfg.ProxyURL, timeout, log)
	if err != nil {
		log.Fatalw("session manager init", "err", err)
	}

	engine := bruteforce.New(bruteforce.Config{
		LocalHost:      localHost,
		MaxConcurrent:  cfg.MaxConcurrent,
		ScanTimeout:    timeout,
		MaxRetries:     cfg.MaxRetries,
		RecordAttempts: cfg.RecordAttempts,
		ForceRescan:    cfg.ForceRescan,
		ProxyURL:       cfg.ProxyURL,
		DialsPerSecond: cfg.DialsPerSecond,
		DialBurst:      cfg.DialBurst,
	}, creds, led, g, mgr, log)

	batches := make(chan emit.Batch, 1024)
	emitter, err := emit.NewEmitter(
		cfg.Ingest,
		cfg.Scanner,
		cfg.Run,
		cfg.BatchMaxEvents,
		time.Duration(cfg.BatchFlushSec)*time.Second,
		cfg.SpoolDir,
		cfg.MTLSCert,
		cfg.MTLSKey,
		cfg.MTLSCA,
	)
	if err != nil {
		log.Fatalw("emitter init", "err", err)
	}
	if cfg.Ingest != "" {
		healthHandler.RegisterChecker("ingest", health.NewPingChecker(emitter.IngestCheck))
	}
	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		emitter.Run(ctx, batches, log)
	}()

	// The relay sits between the scheduler and the emitter so the
	// interactive progress display can count events without the
	// scheduler knowing about the terminal.
	il := ui.NewInteractiveLogger(log, progress && !quiet)
	scanEvents := make(chan emit.Batch, 1024)
	relayDone := make(chan struct{})
	var scanned, unreachable, edgesRecorded int64
	hostsSeen := make(map[string]bool)
	go func() {
		defer close(relayDone)
		defer close(batches)
		for b := range scanEvents {
			for _, j := range b.Jobs {
				switch j.Status {
				case "scanned":
					scanned++
				case "unreachable":
					scanned++
					unreachable++
				}
			}
			for _, h := range b.Hosts {
				hostsSeen[h.Hostname] = true
			}
			edgesRecorded += int64(len(b.Edges))
			il.UpdateProgress(scanned, int64(len(hostsSeen)), unreachable, edgesRecorded)
			select {
			case batches <- b:
			case <-ctx.Done():
			}
		}
	}()

	var seeds []string
	if cfg.RedisQueueAddr != "" {
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, 120*time.Second)
		if err != nil {
			log.Fatalw("redis queue init", "err", err)
		}
		if n, err := q.RecoverStale(ctx); err != nil {
			log.Warnw("stale lease recovery failed", "err", err)
		} else if n > 0 {
			log.Infow("requeued stale leases", "count", n)
		}
		seeds = leaseTargets(ctx, q, log)
		log.Infow("leased targets from shared queue", "count", len(seeds), "key", cfg.RedisQueueKey)
	} else if cfg.Targets != "" {
		seeds, err = netutil.ReadTargets(cfg.Targets)
		if err != nil {
			log.Fatalw("read targets", "input", cfg.Targets, "err", err)
		}
	}

	s, err := scheduler.New(scheduler.Config{
		LocalHost:    localHost,
		LocalIPs:     localIPs,
		Ports:        cfg.Ports,
		Workers:      cfg.Workers,
		MaxDepth:     cfg.MaxDepth,
		MaxMask:      cfg.MaxMask,
		AllowCIDRs:   cfg.AllowCIDRs,
		DenyCIDRs:    cfg.DenyCIDRs,
		FixedTargets: cfg.FixedTargets,
		ForceRescan:  cfg.ForceRescan,
		StartFrom:    cfg.StartFrom,
	}, engine, g, mgr, visited, scanEvents, log)
	if err != nil {
		log.Fatalw("scheduler init", "err", err)
	}
	healthHandler.RegisterChecker("workers", health.NewWorkerPoolChecker(s.ActiveWorkers, cfg.Workers))

	log.Infow("starting scan",
		"scanner", cfg.Scanner,
		"run", cfg.Run,
		"local_host", localHost,
		"seeds", len(seeds),
		"ports", cfg.Ports,
		"max_depth", cfg.MaxDepth,
		"workers", cfg.Workers,
		"fixed_targets", cfg.FixedTargets,
		"start_from", cfg.StartFrom,
	)

	healthHandler.SetReady(true)

	err = s.Run(ctx, seeds)

	close(scanEvents)
	<-relayDone
	// Drain only after the emitter has consumed everything the relay
	// forwarded, or the last buffered batches would be lost.
	<-emitDone
	emitter.Drain(log)
	il.Finish()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Infow("scan interrupted")
	default:
		log.Errorw("scan failed", "err", err)
	}

	log.Infow("scan summary",
		"targets_scanned", scanned,
		"hosts_with_access", len(hostsSeen),
		"unreachable", unreachable,
		"edges_recorded", edgesRecorded,
		"credentials_known", creds.Len(),
	)

	mgr.CloseAll()
	led.Close()
	g.Close()
	log.Infow("shutdown complete")
}

// sqliteAware turns a bare sqlite file path into a tuned DSN; anything
// already DSN-shaped passes through.
func sqliteAware(driver, dsn string) string {
	if driver == "sqlite3" && !strings.HasPrefix(dsn, "file:") {
		return ledger.SQLiteDSN(dsn)
	}
	return dsn
}

func openGraph(cfg *config.Config) (graph.Store, error) {
	switch cfg.GraphDriver {
	case "", "memory":
		return graph.NewMemory(), nil
	case "sqlite3", "postgres":
		return graph.OpenSQL(cfg.GraphDriver, sqliteAware(cfg.GraphDriver, cfg.GraphDSN))
	default:
		return nil, fmt.Errorf("unknown graph driver %q", cfg.GraphDriver)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func seedWordlists(cfg *config.Config, creds *credstore.Store, log *zap.SugaredLogger) {
	users, err := netutil.ReadLines(cfg.Users)
	if err != nil {
		log.Debugw("no user wordlist", "path", cfg.Users, "err", err)
	}
	passwords, err := netutil.ReadLines(cfg.Passwords)
	if err != nil {
		log.Debugw("no password wordlist", "path", cfg.Passwords, "err", err)
	}
	keyfiles, err := netutil.LoadKeyFiles(cfg.Keys)
	if err != nil {
		log.Debugw("no key directory", "path", cfg.Keys, "err", err)
	}
	if len(users) > 0 && (len(passwords) > 0 || len(keyfiles) > 0) {
		if err := creds.SeedWordlists(users, passwords, keyfiles); err != nil {
			log.Warnw("wordlist seeding failed", "err", err)
		}
	}
	log.Infow("credential store ready",
		"credentials", creds.Len(),
		"users", len(users),
		"passwords", len(passwords),
		"keys", len(keyfiles),
	)
}

// leaseTargets drains the shared queue into a seed list. Lease blocks
// briefly on an empty queue, so the first empty reply means the fleet
// has consumed everything that was seeded.
func leaseTargets(ctx context.Context, q *queue.RedisQueue, log *zap.SugaredLogger) []string {
	var targets []string
	for {
		if ctx.Err() != nil {
			return targets
		}
		target, ack, err := q.Lease(ctx)
		if err != nil {
			log.Warnw("queue lease failed", "err", err)
			return targets
		}
		if target == "" {
			return targets
		}
		targets = append(targets, target)
		_ = ack()
	}
}

func runPathMode(ctx context.Context, cfg *config.Config, from, to string, log *zap.SugaredLogger) {
	g, err := openGraph(cfg)
	if err != nil {
		log.Fatalw("open graph store", "driver", cfg.GraphDriver, "err", err)
	}
	defer g.Close()

	if from == "" {
		from, _ = netutil.LocalInfo()
	}
	hops, err := g.FindPath(ctx, from, to)
	if errors.Is(err, graph.ErrNoPath) {
		fmt.Printf("no stored path from %s to %s\n", from, to)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalw("find path", "start", from, "end", to, "err", err)
	}
	if len(hops) == 0 {
		fmt.Printf("%s is the local host, nothing to traverse\n", to)
		return
	}
	fmt.Printf("path from %s to %s (%d hops):\n", from, to, len(hops))
	for i, hop := range hops {
		fmt.Printf("  %d. %s -> %s  %s@%s:%d via %s (%s)\n",
			i+1, hop.From, hop.To, hop.Edge.User, hop.Edge.IP, hop.Edge.Port, hop.Edge.Method, hop.Edge.Secret)
	}
}

func runExecMode(ctx context.Context, cfg *config.Config, target, command string, log *zap.SugaredLogger) {
	g, err := openGraph(cfg)
	if err != nil {
		log.Fatalw("open graph store", "driver", cfg.GraphDriver, "err", err)
	}
	defer g.Close()

	creds, err := credstore.Open(cfg.Credentials)
	if err != nil {
		log.Fatalw("open credential store", "path", cfg.Credentials, "err", err)
	}
	timeout := time.Duration(cfg.ScanTimeoutSec) * time.Second
	mgr, err := sessions.New(cfg.SessionCache, g, creds, cfg.ProxyURL, timeout, log)
	if err != nil {
		log.Fatalw("session manager init", "err", err)
	}

	conn, err := mgr.GetSession(ctx, target, localHostname())
	if err != nil {
		mgr.CloseAll()
		log.Fatalw("no session chain to target", "target", target, "err", err)
	}
	log.Infow("session established", "target", target, "user", conn.User(), "addr", conn.Host())

	stdout, stderr, code, err := conn.Exec(ctx, command)
	if err != nil {
		mgr.CloseAll()
		log.Fatalw("remote execution failed", "target", target, "err", err)
	}
	if stdout != "" {
		fmt.Print(stdout)
	}
	if stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}
	mgr.CloseAll()
	if code != 0 {
		log.Warnw("remote command exited nonzero", "target", target, "exit", code)
		os.Exit(code)
	}
}

func runReportMode(ctx context.Context, cfg *config.Config, formatName, outputPath string, log *zap.SugaredLogger) {
	g, err := openGraph(cfg)
	if err != nil {
		log.Fatalw("open graph store", "driver", cfg.GraphDriver, "err", err)
	}
	defer g.Close()

	f, err := format.New(formatName)
	if err != nil {
		log.Fatalw("bad report format", "format", formatName, "err", err)
	}
	r, err := format.Build(ctx, g, cfg.Scanner, cfg.Run)
	if err != nil {
		log.Fatalw("build report", "err", err)
	}
	out, err := f.Format(r)
	if err != nil {
		log.Fatalw("render report", "format", formatName, "err", err)
	}

	if outputPath == "" {
		os.Stdout.Write(out)
		return
	}
	if err := os.WriteFile(outputPath, out, 0o644); err != nil {
		log.Fatalw("write report", "path", outputPath, "err", err)
	}
	log.Infow("report written",
		"path", outputPath,
		"format", formatName,
		"hosts", len(r.Hosts),
		"edges", len(r.Edges),
	)
}

func localHostname() string {
	h, _ := netutil.LocalInfo()
	return h
}
