package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ocx/runtime/internal/api"
	"github.com/ocx/runtime/internal/approval"
	"github.com/ocx/runtime/internal/circuitbreaker"
	"github.com/ocx/runtime/internal/compliance"
	"github.com/ocx/runtime/internal/config"
	"github.com/ocx/runtime/internal/events"
	"github.com/ocx/runtime/internal/idempotency"
	"github.com/ocx/runtime/internal/orchestrator"
	"github.com/ocx/runtime/internal/policy"
	"github.com/ocx/runtime/internal/quality"
	"github.com/ocx/runtime/internal/statestore"
	"github.com/ocx/runtime/internal/taskrouter"
	"github.com/ocx/runtime/internal/webhookverify"
	"github.com/ocx/runtime/internal/websocket"
)

func main() {
	godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting ocx runtime (env=%s)", cfg.Server.Env)

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}

	ledger, err := buildLedger(cfg)
	if err != nil {
		log.Fatalf("idempotency ledger: %v", err)
	}

	engine, err := policy.NewEngine(policy.Config{CacheEnabled: true})
	if err != nil {
		log.Fatalf("policy engine: %v", err)
	}
	if dir := cfg.Policies.Directory; dir != "" {
		n, err := policy.LoadInto(engine, dir)
		if err != nil {
			log.Fatalf("load policies from %s: %v", dir, err)
		}
		log.Printf("loaded %d policies from %s", n, dir)
	}

	approvals, err := approval.NewManager(approval.Config{
		Secret:          cfg.Approval.Secret,
		RequestTTL:      cfg.Approval.RequestTTL(),
		TokenTTL:        cfg.Approval.TokenTTL(),
		AutoApproveZone: cfg.Approval.AutoApproveZone,
		SingleUse:       cfg.Approval.SingleUse,
	})
	if err != nil {
		log.Fatalf("approval manager: %v", err)
	}
	defer approvals.Close()

	bus, emitter, closeBus, err := buildEvents(cfg)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer closeBus()

	streamer := websocket.NewStreamer(bus)
	go streamer.Run()
	defer streamer.Stop()

	executor := quality.NewExecutor(engine)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Router:     taskrouter.NewRouter(),
		Policies:   engine,
		Approvals:  approvals,
		Quality:    executor,
		Gates:      defaultGates(),
		Breakers:   circuitbreaker.NewManager(circuitbreaker.Config{}),
		Compliance: buildCompliance(cfg),
		Events:     emitter,
	}, orchestrator.Config{
		Environment: cfg.Orchestrator.Environment,
		Actor:       "orchestrator",
		Caps: orchestrator.Caps{
			MaxTokens:    cfg.Orchestrator.MaxTokens,
			MaxCostUSD:   cfg.Orchestrator.MaxCostUSD,
			MaxToolCalls: cfg.Orchestrator.MaxToolCalls,
		},
		PolicyChecks:          cfg.Orchestrator.PolicyChecksOn,
		CompletionGate:        cfg.Orchestrator.CompletionGate,
		ComplianceRegulations: cfg.Compliance.Regulations,
		AutoSaveInterval:      time.Duration(cfg.Orchestrator.AutoSaveSecs) * time.Second,
		Retention:             cfg.Orchestrator.Retention(),
	})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	defer orch.Close()

	webhooks, err := buildWebhooks(cfg)
	if err != nil {
		log.Fatalf("webhook router: %v", err)
	}

	jobs := cron.New()
	jobs.AddFunc(cfg.Orchestrator.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n := orch.CleanupTerminal(ctx); n > 0 {
			log.Printf("retention: evicted %d terminal runs", n)
		}
		if _, err := ledger.Cleanup(ctx, time.Now()); err != nil {
			log.Printf("ledger cleanup: %v", err)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	server := api.NewServer(api.Deps{
		Orchestrator: orch,
		Approvals:    approvals,
		Policies:     engine,
		Store:        store,
		Ledger:       ledger,
		Webhooks:     webhooks,
		Bus:          bus,
		Streamer:     streamer,
	}, cfg.Server.Env)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if err := server.Start(cfg.Server.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}

func buildStore(cfg *config.Config) (*statestore.Store, error) {
	opts := statestore.Options{CacheTTL: time.Duration(cfg.Store.CacheTTLSecs) * time.Second}
	switch cfg.Store.Driver {
	case "file":
		driver, err := statestore.NewFileDriver(cfg.Store.FileRoot)
		if err != nil {
			return nil, err
		}
		return statestore.New(driver, opts), nil
	case "supabase":
		driver, err := statestore.NewSupabaseDriver()
		if err != nil {
			return nil, err
		}
		return statestore.New(driver, opts), nil
	default:
		return statestore.New(statestore.NewMemoryDriver(), opts), nil
	}
}

func buildLedger(cfg *config.Config) (*idempotency.Ledger, error) {
	lcfg := idempotency.Config{
		Prefix:         cfg.Idempotency.Prefix,
		DefaultTTL:     time.Duration(cfg.Idempotency.DefaultTTLSecs) * time.Second,
		LockTTL:        time.Duration(cfg.Idempotency.LockTTLSecs) * time.Second,
		Fingerprinting: cfg.Idempotency.Fingerprinting,
	}
	switch cfg.Idempotency.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
		})
		return idempotency.New(idempotency.NewRedisStorage(rdb, cfg.Idempotency.Prefix), lcfg), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Idempotency.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return idempotency.New(idempotency.NewPostgresStorageFromDB(db), lcfg), nil
	default:
		return idempotency.New(idempotency.NewMemoryStorage(), lcfg), nil
	}
}

func buildEvents(cfg *config.Config) (*events.EventBus, events.Emitter, func(), error) {
	if cfg.Events.Backend == "pubsub" {
		pb, err := events.NewPubSubEventBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			return nil, nil, nil, err
		}
		return pb.EventBus, pb, func() { pb.Close() }, nil
	}
	bus := events.NewEventBus()
	return bus, bus, func() {}, nil
}

// buildWebhooks assembles one verifier per configured provider. Stripe and
// Twilio get their scheme-specific verifiers; everything else runs through
// the generic HMAC verifier. A Redis replay store is shared across providers
// when configured so replay defense survives restarts.
func buildWebhooks(cfg *config.Config) (*webhookverify.Router, error) {
	if len(cfg.Webhooks.Providers) == 0 {
		return nil, nil
	}

	var replays webhookverify.ReplayStore
	if cfg.Webhooks.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Webhooks.RedisAddr})
		replays = webhookverify.NewRedisReplayStore(rdb, "webhooks")
	}

	router := webhookverify.NewRouter()
	for _, p := range cfg.Webhooks.Providers {
		maxAge := time.Duration(p.MaxAgeSecs) * time.Second
		switch p.Provider {
		case "stripe":
			router.Register(p.Path, p.Provider, webhookverify.NewStripeVerifier(webhookverify.StripeConfig{
				SigningSecret: p.Secret,
				MaxAge:        maxAge,
				Replays:       replays,
			}))
		case "twilio":
			router.Register(p.Path, p.Provider, webhookverify.NewTwilioVerifier(webhookverify.TwilioConfig{
				AuthToken:  p.Secret,
				WebhookURL: p.Prefix,
				MaxAge:     maxAge,
				Replays:    replays,
			}))
		case "sinch":
			router.Register(p.Path, p.Provider, webhookverify.NewSinchVerifier(webhookverify.SinchConfig{
				BasicUser:     p.BasicUser,
				BasicPassword: p.BasicPassword,
				HMACSecret:    p.Secret,
				MaxAge:        maxAge,
				Replays:       replays,
			}))
		default:
			router.Register(p.Path, p.Provider, webhookverify.NewGenericVerifier(webhookverify.GenericConfig{
				ProviderName:    p.Provider,
				Secret:          p.Secret,
				SignatureHeader: p.SignatureHeader,
				Prefix:          p.Prefix,
				Algorithm:       p.Algorithm,
				Encoding:        p.Encoding,
				TimestampHeader: p.TimestampHeader,
				MaxAge:          maxAge,
				Replays:         replays,
			}))
		}
	}
	return router, nil
}

// buildCompliance registers the regulation gates when compliance is enabled.
// Gate-internal state (consent, opt-outs, DNC, authorizations) is fed through
// the gates' mutation APIs at runtime.
func buildCompliance(cfg *config.Config) *compliance.Framework {
	if !cfg.Compliance.Enabled {
		return nil
	}
	fw := compliance.NewFramework(compliance.NewMemoryAuditSink())
	fw.Register(compliance.NewTCPAGate(compliance.TCPAConfig{}))
	fw.Register(compliance.NewCTIAGate(compliance.CTIAConfig{}))
	fw.Register(compliance.NewGDPRGate(compliance.GDPRConfig{}))
	fw.Register(compliance.NewSOC2Gate(compliance.SOC2Config{AuditLogEnabled: true}))
	fw.Register(compliance.NewHIPAAGate(compliance.HIPAAConfig{}))
	return fw
}

// defaultGates covers the gate steps of the builtin task catalog.
func defaultGates() map[string]quality.Gate {
	return map[string]quality.Gate{
		"research_output": {
			ID:   "research_output",
			Name: "research output quality",
			Checks: []quality.Check{
				{Name: "non_empty", Blocking: true},
				{Name: "no_pii", Blocking: true},
			},
		},
		"outreach_message": {
			ID:   "outreach_message",
			Name: "outbound message compliance",
			Checks: []quality.Check{
				{Name: "non_empty", Blocking: true},
				{Name: "no_pii", Blocking: true},
			},
		},
		"deploy_preflight": {
			ID:     "deploy_preflight",
			Name:   "deploy preflight",
			Checks: []quality.Check{{Name: "non_empty", Blocking: true}},
		},
		"deploy_verify": {
			ID:     "deploy_verify",
			Name:   "deploy verification",
			Checks: []quality.Check{{Name: "non_empty", Blocking: true}},
		},
	}
}
