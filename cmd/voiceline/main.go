package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmattei/voiceline/internal/agent"
	"github.com/lmattei/voiceline/internal/completion"
	"github.com/lmattei/voiceline/internal/config"
	"github.com/lmattei/voiceline/internal/httpapi"
	"github.com/lmattei/voiceline/internal/observability"
	"github.com/lmattei/voiceline/internal/pool"
	"github.com/lmattei/voiceline/internal/session"
	"github.com/lmattei/voiceline/internal/speech"
	"github.com/lmattei/voiceline/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	ctx := context.Background()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("state store init failed: %v", err)
	}
	defer store.Close()

	// The simulated providers stand in for real speech and model backends;
	// swapping them means changing only the three pool constructors.
	provider := speech.NewSimProvider()
	llm := completion.NewSimClient()

	pools, err := buildPools(cfg, provider, llm)
	if err != nil {
		log.Fatalf("pool init failed: %v", err)
	}
	defer pools.Close()
	if err := pools.WarmUp(ctx); err != nil {
		log.Fatalf("pool warm up failed: %v", err)
	}

	registry, err := buildRegistry()
	if err != nil {
		log.Fatalf("agent registry init failed: %v", err)
	}

	calls := session.NewManager(cfg.SessionIdleTimeout)
	runner := session.NewRunner(cfg, calls, pools, registry, store, metrics, stages)

	api := httpapi.New(cfg, calls, runner, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	calls.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				pools.PublishStats(metrics)
			}
		}
	}()

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildStore assembles the state tiers from configuration: Redis as the hot
// tier when REDIS_ADDR is set, Postgres as the cold tier when DATABASE_URL
// is set, in-process memory otherwise.
func buildStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	var cold state.Store
	if cfg.DatabaseURL != "" {
		pg, err := state.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		cold = pg
		log.Printf("call state: postgres cold tier")
	}
	if cfg.RedisAddr != "" {
		hot := state.NewRedisStore(cfg.RedisAddr, cfg.RedisTTL)
		if cold != nil {
			log.Printf("call state: redis hot tier over postgres")
			return state.NewTieredStore(hot, cold), nil
		}
		log.Printf("call state: redis")
		return hot, nil
	}
	if cold != nil {
		return cold, nil
	}
	log.Printf("call state: in-memory (no REDIS_ADDR or DATABASE_URL)")
	return state.NewMemoryStore(), nil
}

func buildPools(cfg config.Config, provider *speech.SimProvider, llm *completion.SimClient) (session.Pools, error) {
	recognizers, err := pool.NewManager(pool.Config[speech.Recognizer]{
		Name:            "recognizer",
		LowWater:        cfg.PoolLowWater,
		HighWater:       cfg.PoolHighWater,
		AcquireTimeout:  cfg.PoolAcquireTimeout,
		RefreshInterval: cfg.PoolRefreshInterval,
		Constructor:     func(context.Context) (speech.Recognizer, error) { return provider, nil },
	})
	if err != nil {
		return session.Pools{}, err
	}
	synthesizers, err := pool.NewManager(pool.Config[speech.Synthesizer]{
		Name:            "synthesizer",
		LowWater:        cfg.PoolLowWater,
		HighWater:       cfg.PoolHighWater,
		AcquireTimeout:  cfg.PoolAcquireTimeout,
		RefreshInterval: cfg.PoolRefreshInterval,
		Constructor:     func(context.Context) (speech.Synthesizer, error) { return provider, nil },
	})
	if err != nil {
		recognizers.Close()
		return session.Pools{}, err
	}
	completions, err := pool.NewManager(pool.Config[completion.Client]{
		Name:            "completion",
		LowWater:        cfg.PoolLowWater,
		HighWater:       cfg.PoolHighWater,
		AcquireTimeout:  cfg.PoolAcquireTimeout,
		RefreshInterval: cfg.PoolRefreshInterval,
		Constructor:     func(context.Context) (completion.Client, error) { return llm, nil },
	})
	if err != nil {
		recognizers.Close()
		synthesizers.Close()
		return session.Pools{}, err
	}
	return session.Pools{
		Recognizers:  recognizers,
		Synthesizers: synthesizers,
		Completions:  completions,
	}, nil
}

// buildRegistry defines the default demo personas: a concierge that can
// check balances and hand suspected fraud to a specialist team.
func buildRegistry() (*agent.Registry, error) {
	balanceSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"account": {"type": "string", "description": "Account nickname, e.g. checking."}
		},
		"additionalProperties": false
	}`)

	return agent.NewRegistry("Concierge",
		&agent.Agent{
			Name:         "Concierge",
			Instructions: "You are the bank's voice concierge. Answer briefly and plainly; the caller hears your words spoken aloud.",
			Greeting:     "Hello, thanks for calling. How can I help you today?",
			Voice:        speech.VoiceSettings{Voice: "amber"},
			Tools: []agent.Tool{{
				Name:        "lookup_balance",
				Description: "Look up the caller's current account balance.",
				Schema:      balanceSchema,
				Run: func(context.Context, json.RawMessage) (string, error) {
					return "balance is $5,432.10", nil
				},
			}},
			Handoffs: []agent.Handoff{{Target: "Fraud", When: "the caller reports a charge they do not recognize or suspects fraud"}},
		},
		&agent.Agent{
			Name:         "Fraud",
			Instructions: "You are a fraud specialist. Reassure the caller, then gather details about the suspicious activity.",
			Greeting:     "You're through to the fraud team. I can help with that.",
			Voice:        speech.VoiceSettings{Voice: "onyx"},
			Handoffs:     []agent.Handoff{{Target: "Concierge", When: "the fraud concern is resolved"}},
		},
	)
}
