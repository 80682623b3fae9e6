package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/auth"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/chatwoot"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/handlers"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/instance"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/locks"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/logging"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/middleware"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/monitor"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/webhook"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	registry := monitor.NewRegistry()
	lockMgr := locks.NewManager(time.Duration(config.Cfg.LockTimeoutMS) * time.Millisecond)

	globalURL := ""
	if config.Cfg.WebhookGlobalEnabled {
		globalURL = config.Cfg.WebhookGlobalURL
	}
	engine, err := webhook.NewEngine(webhook.PolicyFromConfig(), globalURL, config.Cfg.DeliveryWorkers, webhook.DatabaseResolver)
	if err != nil {
		log.Fatalf("Webhook engine init: %v", err)
	}
	defer engine.Close()

	svc := instance.NewService(registry, lockMgr, engine, chatwoot.NewClient())
	svc.OnRemove = func(name string) {
		log.Printf("instance %q removed", name)
	}
	svc.Rehydrate()

	var janitor *monitor.Janitor
	if config.Cfg.DelInstanceMinutes > 0 {
		janitor = monitor.NewJanitor(
			time.Duration(config.Cfg.DelInstanceMinutes)*time.Minute,
			func(name string) error { return svc.Delete(context.Background(), name) },
		)
		if err := janitor.Start(config.Cfg.JanitorSchedule); err != nil {
			log.Fatalf("Janitor init: %v", err)
		}
		defer janitor.Stop()
	}

	verifier := auth.NewVerifier(config.Cfg.APIKey)
	h := handlers.NewInstanceHandlers(svc)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck(registry))

	// Operator log access takes the global key exclusively.
	r.With(middleware.RequireAdminKey(verifier)).Get("/server/logs", handlers.ServerLogs)

	r.Route("/instance", func(r chi.Router) {
		// Creation takes the global key exclusively.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminKey(verifier))

			r.Post("/create", h.Create)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(verifier))

			r.Get("/fetchInstances", h.Fetch)
			r.Get("/connect/{name}", h.Connect)
			r.Get("/connectionState/{name}", h.ConnectionState)
			r.Post("/restart/{name}", h.Restart)
			r.Delete("/logout/{name}", h.Logout)
			r.Delete("/delete/{name}", h.Delete)
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.ServerPort),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
