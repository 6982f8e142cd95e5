package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meridian/api/internal/app"
	"meridian/api/internal/config"
	"meridian/api/internal/permcache"
	"meridian/api/internal/rbac"
	"meridian/api/internal/remote"
	"meridian/api/internal/store"
	"meridian/api/internal/timeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	recorder := timeline.NewRecorder(dataStore)
	registry := rbac.NewRegistry()

	var cache *permcache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = permcache.NewCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		log.Printf("Using Redis for permission resolution caching")
	} else {
		log.Printf("Permission resolution caching disabled (no Redis URL)")
	}

	var service *app.Service
	if cache != nil {
		service = app.New(cfg, dataStore, recorder, cache, registry)
	} else {
		service = app.New(cfg, dataStore, recorder, nil, registry)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsTarget() {
		engine := remote.NewEngine(cfg, dataStore, recorder, service.Locks())
		service.SetSyncTrigger(engine.Enqueue)
		go engine.Run(runCtx)
		log.Printf("Sync engine running (interval %s)", cfg.SyncInterval)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Meridian API listening on %s (%s site)", cfg.Addr, cfg.SiteMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-runCtx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
