// main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"flow-router/flow"
	"flow-router/flows"
	"flow-router/listings"
	"flow-router/session"
)

// cancelTriggers abort whatever flow is in progress, bypassing the
// session preservation rule. CANCEL is the matching postback code.
var cancelTriggers = []string{"hủy", "huy", "cancel", "thoát", "thoat", "CANCEL"}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("🚀 Starting Tân Dậu flow router...")

	config := loadConfig()
	setLogLevel(config.LogLevel)

	db := setupDatabase(config.DatabaseURL)
	redisClient := setupRedis(config)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	messenger := newGraphMessenger(httpClient, config.PageAccessToken, config.SendMinInterval)
	userCache := newUserCache()

	resolveName := func(ctx context.Context, userID string) string {
		name, err := getProfileInfo(ctx, httpClient, userCache, userID, config.PageAccessToken)
		if err != nil {
			LogDebug("Could not resolve name for %s: %v", userID, err)
			return ""
		}
		return name
	}

	store := session.NewPostgresStore(db)
	registry := buildRegistry(messenger, db, resolveName)
	arbitrator := flow.NewArbitrator(registry, flows.WelcomeFlowName, cancelTriggers)

	p := &processor{
		store:      store,
		arbitrator: arbitrator,
		deduper:    session.NewDeduper(redisClient, config.DedupTTL),
		messenger:  messenger,
	}

	startSessionSweeper(config, store)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", healthHandler(db, redisClient))
	router.HandleFunc("/webhook", validateFacebookRequest(config.FacebookAppSecret, p.handleWebhook(config.VerifyToken)))

	log.Printf("🌐 Server starting on port %s", config.Port)
	log.Fatal(http.ListenAndServe(":"+config.Port, router))
}

// buildRegistry wires every flow once at startup. Registration order
// matters: it is the documented tie-break for equal priorities.
func buildRegistry(messenger flow.Messenger, db *sql.DB, resolveName flows.NameResolver) *flow.Registry {
	registry := flow.NewRegistry()

	register := func(d flow.Descriptor) {
		if err := registry.Register(d); err != nil {
			log.Fatalf("❌ Flow registration failed: %v", err)
		}
		log.Printf("📋 Registered flow %q (priority %d, %d text + %d postback triggers)",
			d.Name, d.Priority, len(d.TextTriggers), len(d.PostbackTriggers))
	}

	register(flows.NewRegistration(messenger, &memberRegistrar{db: db}, resolveName).Descriptor())
	register(flows.NewMarketplace(messenger, listings.NewPostgresFinder(db)).Descriptor())
	register(flows.NewWelcome(messenger, resolveName).Descriptor())

	return registry
}

func setupDatabase(databaseURL string) *sql.DB {
	log.Printf("📊 Database URL configured (length: %d chars)", len(databaseURL))

	var db *sql.DB
	var err error
	for i := 0; i < 3; i++ {
		log.Printf("🔄 Database connection attempt %d/3...", i+1)
		if db, err = connectDB(databaseURL); err == nil {
			log.Printf("✅ Successfully connected to database!")
			return db
		}
		log.Printf("❌ Connection attempt %d failed: %v", i+1, err)
		time.Sleep(time.Second * 2)
	}

	log.Fatal("❌ Failed to connect to database after 3 attempts")
	return nil
}

func connectDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Printf("⚙️ Database connection pool configured (max: 25 connections)")
	return db, nil
}

// setupRedis returns nil when redis is not configured or unreachable;
// dedup and send spacing degrade to in-memory state.
func setupRedis(config Config) *redis.Client {
	if config.RedisHost == "" {
		log.Printf("💡 Redis not configured, using in-memory deduplication")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisHost + ":" + config.RedisPort,
		Username: config.RedisUsername,
		Password: config.RedisPassword,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		log.Printf("⚠️ Redis connection failed, using in-memory deduplication: %v", err)
		return nil
	}

	log.Printf("✅ Redis connected successfully")
	return client
}

// startSessionSweeper reaps stale sessions on a schedule. Neutral and
// terminal sessions go after SessionTTL; mid-flow sessions are only
// reaped after the longer abandonment window (and logged per user).
func startSessionSweeper(config Config, store *session.PostgresStore) {
	c := cron.New()
	_, err := c.AddFunc(config.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reaped, err := store.DeleteStale(ctx, config.SessionTTL, config.AbandonTTL)
		if err != nil {
			LogError("Session sweep failed: %v", err)
			return
		}
		if reaped > 0 {
			LogInfo("🧹 Session sweep reaped %d sessions", reaped)
		}
	})
	if err != nil {
		log.Fatalf("❌ Invalid sweep schedule %q: %v", config.SweepSchedule, err)
	}
	c.Start()
	log.Printf("🧹 Session sweeper scheduled (%s)", config.SweepSchedule)
}

func healthHandler(db *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "database": "ok", "redis": "disabled"}
		code := http.StatusOK

		if err := db.PingContext(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "ok"
			if _, err := redisClient.Ping(ctx).Result(); err != nil {
				status["status"] = "degraded"
				status["redis"] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
