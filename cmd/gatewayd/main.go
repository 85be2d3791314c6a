// Command gatewayd is the action dispatch gateway's composition root:
// it loads configuration, builds every collaborator, and serves the
// dispatch/stream HTTP surface until a shutdown signal is observed
// (spec §6 "Exit codes", §5 "Background tasks observe a shutdown signal
// at each polling boundary and drain in-flight work before exit").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/actionforge/gateway/adapters/auditpg"
	"github.com/actionforge/gateway/adapters/dlqpg"
	"github.com/actionforge/gateway/adapters/httpapi"
	"github.com/actionforge/gateway/adapters/lockredis"
	"github.com/actionforge/gateway/adapters/providerhttp"
	"github.com/actionforge/gateway/adapters/stateredis"
	"github.com/actionforge/gateway/core/audit"
	"github.com/actionforge/gateway/core/breaker"
	"github.com/actionforge/gateway/core/chain"
	"github.com/actionforge/gateway/core/dispatch"
	"github.com/actionforge/gateway/core/embedding"
	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/llm"
	"github.com/actionforge/gateway/core/lock"
	"github.com/actionforge/gateway/core/plugin"
	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/quota"
	"github.com/actionforge/gateway/core/resourcelookup"
	"github.com/actionforge/gateway/core/rules"
	"github.com/actionforge/gateway/core/scheduler"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/stream"
	"github.com/actionforge/gateway/internal/gwconfig"
	"github.com/actionforge/gateway/internal/obslog"
	"github.com/actionforge/gateway/internal/obsmetrics"
)

const (
	exitOK                = 0
	exitConfigError       = 1
	exitSubstrateUnreachable = 2
	exitShutdownTimeout   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := gwconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: configuration error: %v\n", err)
		return exitConfigError
	}

	logger := obslog.New("gatewayd", cfg.Logging.Level, cfg.Logging.Format)
	slog := logger.SlogLogger()

	store, storeCloser, err := buildStore(cfg.State)
	if err != nil {
		slog.Error("substrate unreachable", "error", err)
		return exitSubstrateUnreachable
	}
	defer storeCloser()

	locks, lockCloser, err := buildLock(cfg.State)
	if err != nil {
		slog.Error("lock substrate unreachable", "error", err)
		return exitSubstrateUnreachable
	}
	defer lockCloser()

	ruleSet, err := rules.LoadDirectory(cfg.Rules.Directory)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		return exitConfigError
	}

	metrics := obsmetrics.New(prometheus.DefaultRegisterer)

	pluginRegistry := plugin.NewRegistry()
	if dirExists(cfg.Plugins.Directory) {
		if err := plugin.LoadDirectory(pluginRegistry, cfg.Plugins.Directory, cfg.Plugins.MemoryLimitBytes, cfg.Plugins.TimeoutMS); err != nil {
			slog.Error("failed to load plugins", "error", err)
			return exitConfigError
		}
	}
	pluginRuntime := plugin.NewRuntime(pluginRegistry, cfg.Background.MaxConcurrent)

	engine := rules.NewEngine(ruleSet, pluginRuntime, nil, metrics, slog)

	lookups := resourcelookup.NewRegistry()

	embeddingSupport := embedding.FailOpenSupport{Inner: embedding.Stub{}, FailOpen: cfg.Embedding.FailOpen}
	guardrail := llm.AllowAllEvaluator{}

	breakerConfigs := make(map[string]breaker.Config, len(cfg.Breakers))
	for _, b := range cfg.Breakers {
		breakerConfigs[b.Provider] = breaker.Config{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			RecoveryTimeout:  time.Duration(b.RecoveryTimeout) * time.Second,
			FallbackProvider: b.FallbackProvider,
		}
	}
	breakers := breaker.NewRegistry(store, locks, breakerConfigs)
	if err := breakers.Validate(); err != nil {
		slog.Error("circuit breaker configuration error", "error", err)
		return exitConfigError
	}

	quotaChecker := quota.NewChecker(store)

	dlqSink, dlqCloser, err := buildDLQSink(cfg.DLQ)
	if err != nil {
		slog.Error("failed to build dead-letter sink", "error", err)
		return exitConfigError
	}
	defer dlqCloser()

	exec := executor.New(executor.Config{
		MaxRetries:    cfg.Executor.MaxRetries,
		Timeout:       cfg.Executor.Timeout(),
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		DLQEnabled:    cfg.Executor.DLQEnabled,
	}, dlqSink)

	chainManager := chain.NewManager(store, locks, time.Duration(cfg.Chains.CompletedTTLSeconds)*time.Second)
	if dirExists(cfg.Chains.Directory) {
		defs, err := chain.LoadDirectory(cfg.Chains.Directory)
		if err != nil {
			slog.Error("failed to load chains", "error", err)
			return exitConfigError
		}
		for _, def := range defs {
			if err := chainManager.Register(def); err != nil {
				slog.Error("failed to register chain", "chain", def.Name, "error", err)
				return exitConfigError
			}
		}
	}

	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = providerhttp.New(p.Name, p.URL, p.Headers, time.Duration(p.TimeoutSecs)*time.Second)
	}

	auditSink, replayer, auditCloser, err := buildAuditSink(cfg.Audit)
	if err != nil {
		slog.Error("failed to build audit sink", "error", err)
		return exitSubstrateUnreachable
	}
	defer auditCloser()

	broadcaster := stream.NewBroadcaster()

	gw := &dispatch.Gateway{
		Rules:           engine,
		Store:           store,
		Locks:           locks,
		Breakers:        breakers,
		Quota:           quotaChecker,
		Executor:        exec,
		Chains:          chainManager,
		Providers:       providers,
		Lookups:         lookups,
		Embedding:       embeddingSupport,
		Guardrail:       guardrail,
		AuditSink:       auditSink,
		Redactor:        audit.NewRedactor(cfg.Audit.Redaction, "[REDACTED]"),
		Stream:          broadcaster,
		Logger:          slog,
		DeadLetterSink:  dlqSink,
		CustomHandlers:  map[string]dispatch.CustomActionHandler{"group": dispatch.GroupCustomHandler},
		DefaultDedupTTL: 5 * time.Minute,
		DefaultTimezone: cfg.Rules.DefaultTimezone,
		StorePayload:    cfg.Audit.StorePayload,
		ComplianceMode:  cfg.Audit.Compliance,
		AuditTTL:        cfg.Audit.TTL(),
	}

	sched := scheduler.New(store, cfg.Background.Interval(), cfg.Background.MaxConcurrent, cfg.Background.PollBatch)
	for kind, handler := range gw.Handlers() {
		sched.Register(kind, handler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Background.Enabled {
		go sched.Run(ctx)
	}

	server := httpapi.New(gw, broadcaster, replayer, []byte(cfg.HTTP.JWTSecret))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("gatewayd listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown timeout exceeded", "error", err)
		return exitShutdownTimeout
	}
	return exitOK
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func buildStore(cfg gwconfig.StateConfig) (state.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		s, err := stateredis.New(cfg.RedisAddr, "gatewayd")
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s := state.NewMemoryBackend(time.Duration(cfg.CleanupInterval) * time.Second)
		return s, func() { s.Close() }, nil
	}
}

func buildLock(cfg gwconfig.StateConfig) (lock.Lock, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		l, err := lockredis.New(cfg.RedisAddr, "gatewayd")
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return lock.NewMemoryLock(), func() {}, nil
	}
}

func buildDLQSink(cfg gwconfig.DLQConfig) (executor.Sink, func(), error) {
	var (
		sink   executor.Sink
		closer func()
	)
	switch strings.ToLower(cfg.Backend) {
	case "postgres":
		store, err := dlqpg.Open(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		sink, closer = executor.Sink(store), func() { _ = store.Close() }
	default:
		mem := executor.NewMemorySink()
		sink, closer = mem, func() {}
	}

	if cfg.EncryptionKey != "" {
		sealed, err := executor.NewEncryptedSink(sink, []byte(cfg.EncryptionKey))
		if err != nil {
			return nil, nil, fmt.Errorf("gatewayd: dlq encryption key: %w", err)
		}
		return sealed, closer, nil
	}
	return sink, closer, nil
}

func buildAuditSink(cfg gwconfig.AuditConfig) (audit.Sink, httpapi.Replayer, func(), error) {
	var (
		sink     audit.Sink
		replayer httpapi.Replayer
		closer   func()
	)
	switch strings.ToLower(cfg.Backend) {
	case "postgres":
		store, err := auditpg.Open(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		sink, replayer, closer = store, store, func() { _ = store.Close() }
	default:
		mem := audit.NewMemorySink()
		sink, replayer, closer = mem, mem, func() {}
	}

	if cfg.HashChain {
		sink = audit.NewHashChain(sink)
	}
	return sink, replayer, closer, nil
}
