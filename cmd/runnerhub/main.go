package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/runnerhub/pkg/audit"
	"github.com/cuemby/runnerhub/pkg/config"
	"github.com/cuemby/runnerhub/pkg/container"
	"github.com/cuemby/runnerhub/pkg/executor"
	"github.com/cuemby/runnerhub/pkg/health"
	"github.com/cuemby/runnerhub/pkg/loadbalancer"
	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/queue"
	"github.com/cuemby/runnerhub/pkg/router"
	"github.com/cuemby/runnerhub/pkg/scheduler"
	"github.com/cuemby/runnerhub/pkg/security"
	"github.com/cuemby/runnerhub/pkg/security/monitor"
	"github.com/cuemby/runnerhub/pkg/security/netiso"
	"github.com/cuemby/runnerhub/pkg/security/quota"
	"github.com/cuemby/runnerhub/pkg/security/rbac"
	"github.com/cuemby/runnerhub/pkg/security/scanner"
	"github.com/cuemby/runnerhub/pkg/security/secrets"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/cuemby/runnerhub/pkg/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Version is set via -ldflags at release build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "runnerhub",
	Short:   "runnerhub orchestrates self-hosted CI runner jobs with built-in container security",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runnerhub orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/runnerhub/config.yaml", "path to configuration file")
}

func serve(configPath string) error {
	logger := log.WithComponent("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rbacStore, err := rbac.Open(cfg.Server.RBACDataDir)
	if err != nil {
		return fmt.Errorf("open rbac store: %w", err)
	}
	defer rbacStore.Close()
	if err := rbacStore.SeedDefaults(); err != nil {
		return fmt.Errorf("seed rbac defaults: %w", err)
	}

	secretsManager, err := secrets.NewFromPassphrase(cfg.Server.WebhookSecret)
	if err != nil {
		return fmt.Errorf("init secrets manager: %w", err)
	}

	quotaTracker := quota.New(quota.Limits{MaxConcurrentJobs: cfg.LoadBalancer.MaxConcurrentJobs, MaxCPUMinutesHour: 600})

	var scanClient scanner.Client
	if cfg.Server.ScannerURL != "" {
		scanClient = scanner.NewHTTPClient(cfg.Server.ScannerURL, 30*time.Second)
	}
	scanPolicy := scanner.Policy{
		MaxCriticalAllowed: cfg.Security.ScannerPolicy.MaxCritical,
		MaxHighAllowed:     cfg.Security.ScannerPolicy.MaxHigh,
		MaxMediumAllowed:   cfg.Security.ScannerPolicy.MaxMedium,
		BannedPackages:     cfg.Security.ScannerPolicy.BannedPackages,
		AllowedLicenses:    cfg.Security.ScannerPolicy.AllowedLicenses,
	}

	netManager := netiso.New()

	sec := security.New(rbacStore, quotaTracker, scanClient, scanPolicy, netManager, secretsManager)
	sec.RequireActor(cfg.Security.RBACEnabled)

	r := router.New(1024)

	lbCfg := loadbalancer.DefaultConfig()
	lbCfg.MaxConcurrentJobs = cfg.LoadBalancer.MaxConcurrentJobs
	lbCfg.MaxQueueSize = cfg.LoadBalancer.MaxQueueSize
	lbCfg.PriorityQueues = cfg.LoadBalancer.PriorityQueues
	lbCfg.BreakerThreshold = cfg.LoadBalancer.CircuitBreakerThreshold
	lbCfg.RPS = cfg.LoadBalancer.Throttling.RPS
	lbCfg.RPM = cfg.LoadBalancer.Throttling.RPM
	lbCfg.Burst = cfg.LoadBalancer.Throttling.Burst
	lbCfg.StickyEnabled = cfg.LoadBalancer.Sticky.Enabled
	lbCfg.ConsistentHash = cfg.LoadBalancer.Algorithm == "consistent_hash"
	lb := loadbalancer.New(lbCfg, r)

	sched := scheduler.New(policyFromConfig(cfg.Scheduler.Algorithm), types.PreemptionPolicy{
		Enabled: cfg.Scheduler.PreemptionEnabled,
	})

	var engine container.Engine
	switch cfg.Server.ContainerRuntime {
	case "containerd":
		cEngine, err := container.NewContainerdEngine(cfg.Server.ContainerdSocket)
		if err != nil {
			return fmt.Errorf("connect container engine: %w", err)
		}
		engine = cEngine
	default:
		engine = container.NewMemoryEngine()
	}

	exec := executor.New(r, lb, sched, sec, engine, func(job *types.Job) []*types.RunnerCandidate {
		return nil // populated by the runner fleet's registration feed, out of scope here
	})
	exec.SetBlockOnSecurityFailure(cfg.Security.Policies.BlockOnSecurityFailure)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditCfg := audit.DefaultConfig(cfg.Audit.BasePath)
	auditCfg.MaxFileSize = int64(cfg.Audit.MaxFileSizeMB) << 20
	auditCfg.MaxFiles = cfg.Audit.MaxFiles
	if cfg.Audit.Format == "csv" {
		auditCfg.Format = audit.FormatCSV
	}
	auditLog, err := audit.Open(auditCfg)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stopAudit := make(chan struct{})
	auditLog.Start(stopAudit)
	defer close(stopAudit)

	sampler := monitor.NewProcSampler()
	runtimeMonitor := monitor.New(sampler, 30*time.Second)
	runtimeMonitor.OnThreat(func(jobID string, t types.Threat) {
		exec.HandleThreat(ctx, jobID, t)
	})

	registry := health.NewRegistry()
	dispatchBeat := health.NewHeartbeatChecker("webhook-dispatch", health.DefaultConfig())
	schedulerBeat := health.NewHeartbeatChecker("scheduler-autoscale", health.DefaultConfig())
	executorBeat := health.NewHeartbeatChecker("executor-completion", health.DefaultConfig())
	auditSweepBeat := health.NewHeartbeatChecker("audit-retention-sweep", health.DefaultConfig())
	for _, c := range []*health.HeartbeatChecker{dispatchBeat, schedulerBeat, executorBeat, auditSweepBeat} {
		registry.Register(c)
	}
	exec.OnComplete(func(planID string, plan *types.ExecutionPlan) {
		executorBeat.Beat()
	})

	queueManager := queue.NewManager(cfg.LoadBalancer.MaxQueueSize)
	if cfg.Server.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		for _, n := range []queue.Name{queue.JobExecution, queue.ContainerManagement, queue.Monitoring, queue.WebhookProcessing, queue.Cleanup} {
			queueManager.Use(n, queue.NewRedisQueue(client, "runnerhub:"+string(n)))
		}
	}

	webhookQueue := queueManager.Queue(queue.WebhookProcessing)
	dispatcher := &planSubmitter{queue: webhookQueue}

	lb.Start(ctx)
	schedInterval := time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second
	go autoScaleLoop(ctx, sched, cfg.Scheduler.AutoScaling, schedInterval, schedulerBeat)
	go auditSweepLoop(ctx, auditLog, auditSweepBeat, 24*time.Hour)
	go webhookConsumeLoop(ctx, webhookQueue, exec, runtimeMonitor, dispatchBeat)

	hub := chi.NewRouter()
	webhook.NewHandler(cfg.Server.WebhookSecret, dispatcher).Mount(hub)
	health.NewServer(registry).Mount(hub)
	hub.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      hub,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited")
		}
	}()
	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("runnerhub listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// autoScaleLoop periodically evaluates every pool's AutoScaling policy and
// logs the resulting decision; applying the decision to the runner fleet is
// the registration feed's responsibility, not this process's.
func autoScaleLoop(ctx context.Context, sched *scheduler.Scheduler, as config.AutoScaling, interval time.Duration, c *health.HeartbeatChecker) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := log.WithComponent("scheduler")
	policies := types.PoolPolicies{
		Preemption: types.PreemptionPolicy{},
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pool := range sched.Pools() {
				decision := sched.Evaluate(pool, policies, as.Min, as.Max, as.UpSteps, as.DownSteps,
					as.ScaleUp, as.ScaleDown,
					time.Duration(as.UpCooldownS)*time.Second, time.Duration(as.DownCooldownS)*time.Second)
				if decision != nil {
					logger.Info().Str("pool_id", pool.ID).Bool("up", decision.Up).Bool("down", decision.Down).
						Int("steps", decision.Steps).Msg("autoscale decision")
				}
			}
			c.Beat()
		}
	}
}

func auditSweepLoop(ctx context.Context, l *audit.Log, c *health.HeartbeatChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(); err != nil {
				log.WithComponent("audit").Error().Err(err).Msg("retention sweep failed")
			}
			c.Beat()
		}
	}
}

// planSubmitter adapts the webhook Dispatcher interface to the job-execution
// pipeline by pushing each delivery onto the webhook-processing queue rather
// than submitting it inline, so a burst of deliveries is admitted at HTTP
// speed and smoothed out by webhookConsumeLoop.
type planSubmitter struct {
	queue queue.Queue
}

func (p *planSubmitter) Dispatch(d webhook.Delivery) error {
	payload, err := webhook.DecodePayload(d)
	if err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	repo, _ := payload["repository"].(string)
	job := &types.Job{
		ID:         fmt.Sprintf("%s-%d", d.Event, time.Now().UnixNano()),
		Repository: repo,
		Priority:   d.Priority,
		CreatedAt:  time.Now(),
	}
	return p.queue.Push(queue.Item{ID: job.ID, Priority: job.Priority, Payload: job, EnqueuedAt: job.CreatedAt})
}

// webhookConsumeLoop drains the webhook-processing queue into the executor,
// starting a runtime-monitor watch for every job it submits.
func webhookConsumeLoop(ctx context.Context, q queue.Queue, exec *executor.Executor, mon *monitor.Monitor, beat *health.HeartbeatChecker) {
	for {
		item, ok, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithComponent("webhook").Error().Err(err).Msg("queue pop failed")
			continue
		}
		if !ok {
			continue
		}
		job, err := jobFromPayload(item.Payload)
		if err != nil {
			log.WithComponent("webhook").Error().Err(err).Str("item_id", item.ID).Msg("decode queued job failed")
			continue
		}
		if _, err := exec.Submit(ctx, job.ID, []*types.Job{job}); err != nil {
			log.WithComponent("webhook").Error().Err(err).Str("job_id", job.ID).Msg("submit failed")
			continue
		}
		beat.Beat()
		go mon.Watch(ctx, job.ID)
	}
}

func policyFromConfig(algorithm string) scheduler.Policy {
	switch algorithm {
	case "fairshare":
		return scheduler.PolicyFairShare
	case "priority":
		return scheduler.PolicyPriority
	case "sjf":
		return scheduler.PolicyShortestJobFirst
	case "backfill":
		return scheduler.PolicyBackfill
	case "deadline":
		return scheduler.PolicyDeadlineAware
	case "multiobjective":
		return scheduler.PolicyMultiObjective
	default:
		return scheduler.PolicyFIFO
	}
}

// jobFromPayload recovers a *types.Job from a queue item's payload, which
// arrives as a live *types.Job from MemoryQueue but as a decoded
// map[string]interface{} once it has round-tripped through RedisQueue's
// JSON envelope.
func jobFromPayload(payload interface{}) (*types.Job, error) {
	if job, ok := payload.(*types.Job); ok {
		return job, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("re-marshal queue payload: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job from queue payload: %w", err)
	}
	return &job, nil
}
