package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"studytrace/internal/config"
	"studytrace/internal/logger"
	"studytrace/internal/metrics"
	"studytrace/internal/server"
	"studytrace/internal/store"
	"studytrace/internal/worker"

	zlog "github.com/rs/zerolog/log"
)

func main() {
	// Container CPU quotas are not visible to the runtime; default to one
	// P unless GOMAXPROCS says otherwise.
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open store")
	}
	defer st.Close()

	// ====================================================================
	// Archive pipeline (optional)
	// ====================================================================
	//
	// The store is the source of truth. When ARCHIVE_ENABLED is set every
	// stored tracking record is also batched to S3 as gzip JSONL, with a
	// local DLQ for failed uploads.
	var (
		mgr     *worker.Manager
		archive server.Archiver
	)
	if cfg.ArchiveEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		up, err := worker.NewS3Uploader(ctx, cfg, m)
		cancel()
		if err != nil {
			zlog.Fatal().Err(err).Msg("init S3 uploader")
		}
		mgr = worker.NewManager(cfg, m, up)
		mgr.Start()
		archive = mgr
		zlog.Info().Str("bucket", cfg.RawBucket).Str("prefix", cfg.RawPrefix).Msg("archive enabled")
	}

	h := server.NewHandler(cfg, m, st, archive)

	// Tracking logs of a long round can be a few MB; keep the timeouts
	// generous enough for a slow participant connection.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		// Stop accepting requests first so no record is enqueued after the
		// archive closes.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}

		if mgr != nil {
			zlog.Info().Msg("flushing archive")
			if err := mgr.Shutdown(ctx); err != nil {
				zlog.Warn().Err(err).Msg("archive flush incomplete")
			}
		}
	}()

	zlog.Info().Str("addr", cfg.HTTPAddr).Str("db", cfg.DBPath).Msg("study backend listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Fatal().Err(err).Msg("http server terminated")
	}

	<-done
	zlog.Info().Msg("shutdown complete")
}
