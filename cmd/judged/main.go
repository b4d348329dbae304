// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flyingrobots/judge-platform/internal/admin"
	"github.com/flyingrobots/judge-platform/internal/capability"
	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/coordinator"
	"github.com/flyingrobots/judge-platform/internal/eventbus"
	"github.com/flyingrobots/judge-platform/internal/executor"
	"github.com/flyingrobots/judge-platform/internal/kernel"
	"github.com/flyingrobots/judge-platform/internal/obs"
	"github.com/flyingrobots/judge-platform/internal/pluginrt"
	"github.com/flyingrobots/judge-platform/internal/policy"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/flyingrobots/judge-platform/internal/reaper"
	"github.com/flyingrobots/judge-platform/internal/redisclient"
	"github.com/flyingrobots/judge-platform/internal/sandbox"
	"github.com/flyingrobots/judge-platform/internal/worker"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var nodeID string
	var workerCount int
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var dlqIDs string
	var dlqDest string
	var benchCount int
	var benchRate int
	var benchPriority string
	var benchTimeout time.Duration
	var benchPayloadSize int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|admin|kernel")
	fs.StringVar(&configPath, "config-file", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&nodeID, "node-id", "", "Node identifier for heartbeats/results (auto-generated if absent)")
	fs.IntVar(&workerCount, "worker-count", 2, "Number of worker slots to run (overrides config worker.count)")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|purge-all|bench|stats-keys|dlq-list|dlq-requeue|dlq-purge")
	fs.StringVar(&adminQueue, "queue", "", "Queue alias or full key for admin peek (high|normal|low|completed|dead_letter|judge:...)")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek/dlq-list")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.StringVar(&dlqIDs, "ids", "", "Comma-separated job IDs for dlq-requeue/dlq-purge")
	fs.StringVar(&dlqDest, "dest-queue", "", "Destination queue key for dlq-requeue (defaults to highest priority)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: submit rate jobs/sec")
	fs.StringVar(&benchPriority, "bench-priority", "low", "Admin bench: priority/queue alias")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 1024, "Admin bench: source payload size in bytes")
	_ = fs.Parse(os.Args[1:])
	workerCountSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "worker-count" {
			workerCountSet = true
		}
	})

	if showVersion {
		fmt.Println(version)
		return
	}

	// Exit codes: 0 normal, 1 configuration error, 2 transport
	// unavailable, 3 fatal runtime error.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if workerCountSet {
		cfg.Worker.Count = workerCount
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role != "admin" {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := rdb.Ping(pingCtx).Err()
		pingCancel()
		if pingErr != nil {
			logger.Error("job queue transport unavailable", obs.Err(pingErr))
			os.Exit(2)
		}

		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)
	}

	switch role {
	case "worker":
		runWorker(ctx, cfg, rdb, logger, nodeID)
	case "admin":
		runAdmin(ctx, cfg, rdb, logger, adminCmd, adminQueue, adminN, adminYes, dlqIDs, dlqDest, benchCount, benchRate, benchPriority, benchPayloadSize, benchTimeout)
		return
	case "kernel":
		runKernel(ctx, cfg, rdb, logger, nodeID)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(1)
	}
}

// runWorker runs a Coordinator-managed worker pool against the Redis job
// queue, with a worker.Worker as the JobRunner doing the actual
// sandbox/executor work. The reaper runs alongside it to redeliver jobs
// left on a processing list by a worker that crashed mid-job.
func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, nodeID string) {
	q := queue.NewRedisJobQueue(rdb, cfg)
	bus := eventbus.NewBus(logger)
	defer bus.Close()
	closeDelivery := attachEventDelivery(cfg, bus, logger)
	defer closeDelivery()

	workerNodeID := resolveNodeID(nodeID, "worker")
	wrk, err := worker.New(cfg, workerNodeID)
	if err != nil {
		logger.Error("worker init error", obs.Err(err))
		os.Exit(3)
	}

	rep := reaper.New(cfg, rdb, logger)
	go rep.Run(ctx)

	coord := coordinator.New(coordinator.Config{
		WorkerCount:        cfg.Worker.Count,
		Priorities:         cfg.Worker.Priorities,
		NodeID:             workerNodeID,
		HeartbeatTTL:       cfg.Worker.HeartbeatTTL,
		ClaimPollTimeout:   cfg.Worker.BRPopLPushTimeout,
		BreakerWindow:      cfg.CircuitBreaker.Window,
		BreakerCooldown:    cfg.CircuitBreaker.CooldownPeriod,
		BreakerFailureRate: cfg.CircuitBreaker.FailureThreshold,
		BreakerMinSamples:  cfg.CircuitBreaker.MinSamples,
		BreakerPause:       cfg.Worker.BreakerPause,
		BackoffBase:        cfg.Worker.Backoff.Base,
		BackoffMax:         cfg.Worker.Backoff.Max,
	}, q, wrk, bus, logger)
	coord.Run(ctx)
}

// attachEventDelivery hooks the configured external delivery backend
// onto the in-process bus: with backend "nats", every platform event is
// forwarded to a JetStream subject so dashboards and result consumers
// outside this process can observe the evaluation.*/plugin.* stream.
// Returns a close func (no-op when nothing is configured); delivery
// failures downgrade to logs, never to startup errors.
func attachEventDelivery(cfg *config.Config, bus *eventbus.Bus, logger *zap.Logger) func() {
	if cfg.EventBus.Backend != "nats" || cfg.EventBus.NATSURL == "" {
		return func() {}
	}
	nc, err := nats.Connect(cfg.EventBus.NATSURL)
	if err != nil {
		logger.Warn("event bus NATS connect failed, staying in-process only", obs.Err(err))
		return func() {}
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("event bus JetStream unavailable, staying in-process only", obs.Err(err))
		nc.Close()
		return func() {}
	}
	bus.Subscribe(eventbus.NewNATSSubscriber(eventbus.NATSSubscription{
		ID:      "nats-delivery",
		Subject: cfg.EventBus.Subject,
	}, js, logger))
	return nc.Close
}

// resolveNodeID returns nodeID unchanged if set, else a hostname/pid/time
// derived identifier tagged with role so worker and kernel node IDs never
// collide when run side by side against the same Redis instance.
func resolveNodeID(nodeID, role string) string {
	if nodeID != "" {
		return nodeID
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d-%d", role, host, os.Getpid(), time.Now().UnixNano())
}

// runKernel composes the policy engine, plugin runtime, capability
// provider and event bus into a Kernel, runs a Coordinator-managed
// worker pool against the Redis job queue, runs the reaper so a worker
// that crashes mid-job still gets redelivered, and serves the Kernel's
// dev HTTP surface so plugin routes are reachable during local testing.
func runKernel(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, nodeID string) {
	q := queue.NewRedisJobQueue(rdb, cfg)
	bus := eventbus.NewBus(logger)
	defer bus.Close()
	closeDelivery := attachEventDelivery(cfg, bus, logger)
	defer closeDelivery()

	rep := reaper.New(cfg, rdb, logger)
	go rep.Run(ctx)

	engine := policy.NewEngine(logger)
	engine.InstallDefaultPolicies()
	if cfg.Policy.PoliciesFile != "" {
		policies, err := policy.LoadPoliciesFile(cfg.Policy.PoliciesFile)
		if err != nil {
			logger.Error("kernel: loading policies file failed", obs.String("path", cfg.Policy.PoliciesFile), obs.Err(err))
			os.Exit(1)
		}
		for _, p := range policies {
			if err := engine.Add(p); err != nil {
				logger.Error("kernel: installing policy failed", obs.String("policy_id", p.ID), obs.Err(err))
				os.Exit(1)
			}
		}
		logger.Info("kernel: policies installed from file", obs.Int("count", len(policies)))
	}
	if cfg.Policy.AuditFile != "" {
		sink, err := policy.NewFileSink(cfg.Policy.AuditFile, cfg.Policy.AuditMaxSizeMB, cfg.Policy.AuditMaxBackups, cfg.Policy.AuditCompress)
		if err != nil {
			logger.Error("kernel: opening policy audit file failed", obs.Err(err))
			os.Exit(1)
		}
		defer sink.Close()
		engine.SetAuditSink(sink)
	}

	grants := capability.NewGrantStore()
	buckets := capability.NewTokenBucket(rdb)

	var sqlExec capability.SQLExecutor
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal("kernel: opening database failed", obs.Err(err))
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		defer db.Close()
		sqlExec = capability.NewScopedSQL(db)
	}
	wsRegistry := capability.NewWSRegistry()

	jobFactory := func(submissionID string) queue.EvaluationJob {
		return queue.NewEvaluationJob(submissionID, submissionID, "", "", "", 5, int(cfg.Sandbox.DefaultTimeLimit.Milliseconds()), cfg.Sandbox.DefaultMemoryKB, 0, cfg.Worker.MaxRetries)
	}
	provider := capability.NewProvider(logger, grants, buckets, q, jobFactory, bus, sqlExec, wsRegistry)

	runtime := pluginrt.NewRuntime(logger, bus,
		pluginrt.NewWASMEngine(logger),
		pluginrt.NewStarlarkEngine(logger),
		pluginrt.NewLuaEngine(logger),
	)
	if cfg.Plugins.Dir != "" {
		ids, err := runtime.LoadDir(ctx, cfg.Plugins.Dir, provider)
		if err != nil {
			logger.Warn("kernel: plugin dir scan failed", obs.String("dir", cfg.Plugins.Dir), obs.Err(err))
		} else {
			logger.Info("kernel: plugins loaded", obs.String("dir", cfg.Plugins.Dir), obs.Int("count", len(ids)))
		}
	}

	k := kernel.New(logger, q, bus, engine, provider, runtime)

	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		logger.Error("kernel: init sandbox failed", obs.Err(err))
		os.Exit(3)
	}
	exec := executor.New(cfg.Executor, sb)
	kernelNodeID := nodeID
	if kernelNodeID == "" {
		kernelNodeID = "kernel"
	}
	runner := execRunner{exec: exec, nodeID: kernelNodeID}

	coord := coordinator.New(coordinator.Config{
		WorkerCount: cfg.Worker.Count,
		Priorities:  cfg.Worker.Priorities,
		NodeID:      nodeID,
	}, q, runner, bus, logger)
	go coord.Run(ctx)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort+1), Handler: kernel.NewDevServer(k, nil)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("kernel: dev server error", obs.Err(err))
		}
	}()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	<-ctx.Done()
}

type execRunner struct {
	exec   *executor.Executor
	nodeID string
}

func (r execRunner) Run(ctx context.Context, job queue.EvaluationJob) (queue.EvaluationResult, error) {
	lang, ok := executor.Lookup(job.LanguageID)
	if !ok {
		return queue.EvaluationResult{}, fmt.Errorf("unknown language_id %q", job.LanguageID)
	}
	return r.exec.Execute(ctx, job, lang, r.nodeID)
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd, queue string, n int, yes bool, idsCSV, destQueue string, benchCount, benchRate int, benchPriority string, benchPayloadSize int, benchTimeout time.Duration) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queue == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.Peek(ctx, cfg, rdb, queue, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		if err := admin.PurgeDLQ(ctx, cfg, rdb); err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		fmt.Println("dead letter queue purged")
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		n, err := admin.PurgeAll(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin purge-all error", obs.Err(err))
		}
		printJSON(struct {
			Purged int `json:"purged"`
		}{Purged: int(n)})
	case "bench":
		res, err := admin.Bench(ctx, cfg, rdb, benchPriority, benchCount, benchRate, benchPayloadSize, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		printJSON(res)
	case "stats-keys":
		res, err := admin.StatsKeys(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats-keys error", obs.Err(err))
		}
		printJSON(res)
	case "dlq-list":
		items, cursor, err := admin.DLQList(ctx, cfg, rdb, "", n)
		if err != nil {
			logger.Fatal("admin dlq-list error", obs.Err(err))
		}
		printJSON(struct {
			Items      []admin.DLQItem `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		}{Items: items, NextCursor: cursor})
	case "dlq-requeue":
		ids := splitCSV(idsCSV)
		count, err := admin.DLQRequeue(ctx, cfg, rdb, ids, destQueue)
		if err != nil {
			logger.Fatal("admin dlq-requeue error", obs.Err(err))
		}
		printJSON(struct {
			Requeued int `json:"requeued"`
		}{Requeued: count})
	case "dlq-purge":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		ids := splitCSV(idsCSV)
		count, err := admin.DLQPurge(ctx, cfg, rdb, ids)
		if err != nil {
			logger.Fatal("admin dlq-purge error", obs.Err(err))
		}
		printJSON(struct {
			Purged int `json:"purged"`
		}{Purged: count})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
