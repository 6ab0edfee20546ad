package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/watchmesh/backend/internal/api"
	"github.com/watchmesh/backend/internal/archive"
	"github.com/watchmesh/backend/internal/circuitbreaker"
	"github.com/watchmesh/backend/internal/config"
	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/events"
	"github.com/watchmesh/backend/internal/fabric"
	"github.com/watchmesh/backend/internal/gateway"
	"github.com/watchmesh/backend/internal/ingest"
	"github.com/watchmesh/backend/internal/metrics"
	"github.com/watchmesh/backend/internal/middleware"
	"github.com/watchmesh/backend/internal/monitoring"
	"github.com/watchmesh/backend/internal/notify"
	"github.com/watchmesh/backend/internal/payments"
	"github.com/watchmesh/backend/internal/probe"
	"github.com/watchmesh/backend/internal/scheduler"
	"github.com/watchmesh/backend/internal/service"
	"github.com/watchmesh/backend/internal/stats"
	"github.com/watchmesh/backend/internal/store"
	"github.com/watchmesh/backend/pb"
)

// archivingSink forwards processed checks to the archive relay after the
// pipeline persists them. Satisfies both scheduler.Sink and gateway.Sink.
type archivingSink struct {
	proc  *ingest.Processor
	relay *archive.Relay
}

func (s *archivingSink) Process(ctx context.Context, res ingest.Result) (*core.Check, error) {
	check, err := s.proc.Process(ctx, res)
	if err != nil {
		return nil, err
	}
	s.relay.Submit(check)
	return check, nil
}

func main() {
	log.Println("🚀 Starting watchmesh monitoring engine...")

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfgPath := os.Getenv("WATCHMESH_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("❌ Config load failed: %v", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port // Cloud Run style override
	}

	// ----- Persistence -----
	mem := store.NewMemory()
	var (
		targetStore   core.TargetStore   = mem
		checkStore    core.CheckStore    = mem
		incidentStore core.IncidentStore = mem
		walletStore   core.WalletStore   = mem
		cooldownStore core.CooldownStore = mem
	)

	srvPingers := map[string]api.Pinger{}
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			log.Fatalf("❌ Postgres init failed: %v", err)
		}
		targetStore, checkStore, incidentStore, walletStore = pg, pg, pg, pg
		srvPingers["postgres"] = pg
		log.Println("✅ Postgres store online")
	case "supabase":
		sb, err := store.NewSupabaseTargets()
		if err != nil {
			log.Fatalf("❌ Supabase init failed: %v", err)
		}
		targetStore = sb
		log.Println("✅ Supabase target store online (checks/incidents stay local)")
	}

	if project := os.Getenv("WATCHMESH_SPANNER_PROJECT"); project != "" {
		sw, err := store.NewSpannerWallets(project,
			os.Getenv("WATCHMESH_SPANNER_INSTANCE"),
			os.Getenv("WATCHMESH_SPANNER_DATABASE"))
		if err != nil {
			log.Fatalf("❌ Spanner wallet init failed: %v", err)
		}
		defer sw.Close()
		walletStore = sw
		log.Println("✅ Spanner wallet store online")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		cooldowns, err := store.NewRedisCooldowns(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Gateway.CooldownSeconds)*time.Second)
		if err != nil {
			log.Fatalf("❌ Redis init failed: %v", err)
		}
		cooldownStore = cooldowns
		srvPingers["redis"] = cooldowns
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Println("✅ Redis cooldown store online")
	}

	// ----- Ambient infrastructure -----
	m := metrics.New()
	var bus events.EventEmitter = events.NewEventBus()
	if project := os.Getenv("WATCHMESH_PUBSUB_PROJECT"); project != "" {
		topic := os.Getenv("WATCHMESH_PUBSUB_TOPIC")
		if topic == "" {
			topic = "watchmesh-events"
		}
		psBus, err := events.NewPubSubEventBus(project, topic)
		if err != nil {
			log.Printf("⚠️ Pub/Sub bus unavailable, events stay in-process: %v", err)
		} else {
			defer psBus.Close()
			bus = psBus
			log.Printf("✅ Durable event bus on Pub/Sub topic %s", topic)
		}
	}
	alerts := monitoring.NewAlertBook(0)
	breakers := circuitbreaker.NewEngineBreakers()

	// ----- Push fabric -----
	hub := fabric.NewHub()
	var push core.PushPublisher
	var redisBus *fabric.RedisBus
	if redisClient != nil {
		redisBus = fabric.NewRedisBus(redisClient, hub)
		push = redisBus
		log.Println("🔌 Cross-pod push bus on Redis")
	} else {
		push = fabric.NewLocalBus(hub)
	}

	// ----- Notification + payments -----
	var sender core.EmailSender = notify.NewLogSender()
	if project := os.Getenv("WATCHMESH_TASKS_PROJECT"); project != "" {
		cloud, err := notify.NewCloudSender(project,
			os.Getenv("WATCHMESH_TASKS_LOCATION"),
			os.Getenv("WATCHMESH_TASKS_QUEUE"),
			os.Getenv("WATCHMESH_MAIL_RELAY_URL"),
			sender)
		if err != nil {
			log.Printf("⚠️ Cloud Tasks mail queue unavailable, using direct delivery: %v", err)
		} else {
			defer cloud.Close()
			sender = cloud
		}
	}
	email := circuitbreaker.NewGuardedEmailSender(sender, breakers.Email)
	notifier := notify.New(email, push, bus, m, alerts, notify.Config{
		EmailEnabled: cfg.Notifications.EmailEnabled,
		QueueSize:    cfg.Notifications.QueueSize,
	})

	dispatcher := payments.NewDispatcher(walletStore, checkStore, bus, m, alerts,
		cfg.Payments.Workers,
		payments.WithAmount(int64(cfg.Payments.PerCheckMinorUnits)))

	// ----- Result pipeline -----
	relay := archive.NewRelay(&pb.MockArchiveClient{}, breakers.Archive)
	processor := ingest.NewProcessor(checkStore, incidentStore, notifier, dispatcher, push, bus, m,
		ingest.WithShardCount(cfg.Processor.Shards))
	sink := &archivingSink{proc: processor, relay: relay}

	// ----- Probe executors + scheduler -----
	// Each pod serves one region; its profile tunes the local executors.
	profiles := config.NewManager(cfg)
	for region, profile := range cfg.Regions {
		profiles.SetProfile(region, profile)
	}
	probeCfg := profiles.ProbesFor(os.Getenv("WATCHMESH_REGION"))
	registry := probe.NewRegistry(probeCfg.ExecutorConcurrency, probeCfg.ICMPEnabled)
	sched := scheduler.New(targetStore, checkStore, registry, sink, m,
		scheduler.WithTickInterval(time.Duration(cfg.Scheduler.TickMs)*time.Millisecond))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("❌ Scheduler start failed: %v", err)
	}
	log.Printf("✅ Scheduler online (%d targets pending)", sched.PendingTargets())

	// ----- Gateway + services -----
	gw := gateway.New(targetStore, cooldownStore, registry, sink, m,
		gateway.WithCooldown(time.Duration(cfg.Gateway.CooldownSeconds)*time.Second))

	targetsSvc := service.NewTargets(targetStore, sched, bus, service.Defaults{
		IntervalFloorSec:  cfg.Scheduler.IntervalFloorSeconds,
		AlertThreshold:    cfg.Notifications.AlertThresholdDefault,
		RecoveryThreshold: cfg.Notifications.RecoveryThresholdDefault,
		TimeoutMs:         probeCfg.TimeoutMsDefault,
	})
	view := stats.NewView(targetStore, checkStore, incidentStore)

	// ----- HTTP surface -----
	keys := api.NewKeyRing()
	wsHandler := fabric.NewWSHandler(hub, keys, targetStore)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxPerMinute: cfg.RateLimit.MaxPerMinute,
		BurstSize:    cfg.RateLimit.BurstSize,
	})

	server := api.NewServer(targetsSvc, view, gw, walletStore, wsHandler, limiter, keys)
	for name, p := range srvPingers {
		server.AddPinger(name, p)
	}

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("⚠️ Shutdown signal received, draining...")

	// Stop emitting first, then drain each stage downstream.
	sched.Stop()
	processor.Close()
	notifier.Shutdown()
	dispatcher.Close()
	relay.Close()
	hub.Close()
	if redisBus != nil {
		redisBus.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	log.Println("✅ Engine stopped cleanly")
}
