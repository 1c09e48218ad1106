// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"points-event/internal/cache"
	"points-event/internal/database"
	"points-event/internal/escalation"
	"points-event/internal/handler"
	"points-event/internal/metrics"
	"points-event/internal/repository"
	"points-event/internal/service"
)

func main() {
	ctx := context.Background()

	// ── 1. Connect to PostgreSQL and apply migrations ────────────────────
	pool, err := database.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	log.Println("connected to postgres, schema up to date")

	// ── 2. Connect to Redis ──────────────────────────────────────────────
	rdb, err := cache.NewClient(ctx)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()
	log.Println("connected to redis")

	// ── 3. Escalation sink: NATS when configured, process log otherwise ──
	var sink escalation.Sink = escalation.LogSink{}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsSink, err := escalation.NewNATSSink(natsURL, os.Getenv("NATS_RETRY_SUBJECT"))
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		defer natsSink.Close()
		sink = natsSink
		log.Println("connected to nats")
	}

	// ── 4. Wire up layers ────────────────────────────────────────────────
	metrics.Register()

	eventRepo := repository.NewEventRepository(pool)
	appRepo := repository.NewApplicationRepository(pool)
	store := cache.NewRedisStore(rdb)
	allocSvc := service.NewAllocationService(eventRepo, appRepo, store, sink)
	eventHandler := handler.NewEventHandler(allocSvc)

	event, err := allocSvc.Initialize(ctx,
		getEnv("EVENT_NAME", "First-Come Points Event"),
		getEnvInt("EVENT_MAX_PARTICIPANTS", 10000),
	)
	if err != nil {
		log.Fatalf("initialize event: %v", err)
	}
	log.Printf("active event %q (%s), %d/%d participants",
		event.Name, event.ID, event.CurrentParticipants, event.MaxParticipants)

	// ── 5. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // structured access log
	r.Use(handler.CORS)            // permissive CORS for demo

	// Health and metrics
	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/event", func(r chi.Router) {
		r.Post("/apply", eventHandler.Apply)
		r.Get("/status/{userID}", eventHandler.Status)
		r.Get("/stats", eventHandler.Stats)
		r.Get("/participants", eventHandler.Participants)
		r.Post("/reset", eventHandler.Reset)
	})
	r.Get("/fibonacci/{n}", handler.Fibonacci)

	// ── 6. Start server with graceful shutdown ────────────────────────────
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		log.Printf("server listening on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	log.Println("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Fatalf("invalid %s: %q", key, v)
	}
	return fallback
}
