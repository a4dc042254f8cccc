package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anas-aljanaby/call-center-backend/internal/app"
	"github.com/anas-aljanaby/call-center-backend/internal/config"
	"github.com/anas-aljanaby/call-center-backend/internal/httpapi"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().WithError(err).Fatal("failed to load config")
	}

	log := logger.NewWith(cfg.Environment, cfg.LogLevel, os.Stdout)
	log.WithField("service", "call-center-backend").Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build application")
	}
	defer a.Close()

	api := httpapi.New(httpapi.Deps{
		Calls:       a.Store,
		Documents:   a.Store,
		Queue:       a.Pool,
		Requeuer:    a.Orchestrator,
		Indexer:     a.Indexer,
		Searcher:    a.Retrieval,
		Answerer:    a.Answerer,
		Reviewer:    a.Reviewer,
		MaxAttempts: cfg.Processing.MaxAttempts,
		Logger:      log,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		err := a.Run(ctx)
		if err != nil {
			log.WithError(err).Error("background workers stopped")
			stop()
		}
		done <- err
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server terminated")
		stop()
	}

	<-done
	log.Info("shutdown complete")
}
