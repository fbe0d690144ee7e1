// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// depthSampleInterval is how often queue depths land in the stats
// window (the OTel gauge samples on its own schedule).
const depthSampleInterval = 15 * time.Second

// Daemon runs the HTTP surface and the background loops around one
// Service.
//
// # Thread Safety
//
// Run is called once; the router is safe for concurrent requests.
type Daemon struct {
	svc    *Service
	logger *slog.Logger
	router *gin.Engine
}

// NewDaemon builds the router and binds the handlers.
func NewDaemon(svc *Service) *Daemon {
	router := gin.Default()
	router.Use(otelgin.Middleware("gatehouse"))
	RegisterRoutes(router, NewHandlers(svc))

	return &Daemon{
		svc:    svc,
		logger: svc.logger.With("component", "daemon"),
		router: router,
	}
}

// Router exposes the engine for tests and embedding.
func (d *Daemon) Router() *gin.Engine { return d.router }

// Run serves HTTP and drives the background loops until ctx is
// cancelled.
//
// # Description
//
// Everything runs under one errgroup: the HTTP server, the sync
// worker, the batch-tier drain, the notification spool flusher, the
// index and audit retention sweeps, and the queue depth sampler. A
// cancelled ctx begins a graceful stop: in-flight requests get the
// configured shutdown grace, the worker finishes its current message,
// and the loops exit at their next tick. Only an abnormal exit (a
// listener failure, a loop returning a non-cancellation error)
// surfaces as a non-nil return.
//
// # Inputs
//
//   - ctx: cancellation driver; wire it to SIGINT/SIGTERM
//
// # Outputs
//
//   - error: nil on clean shutdown
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.svc.Config()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           d.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("daemon listening",
			"addr", cfg.Server.Addr,
			"version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		grace := cfg.Server.ShutdownGrace.Std()
		if grace <= 0 {
			grace = 10 * time.Second
		}
		d.logger.Info("shutting down", "grace", grace.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := d.svc.Worker().Run(gCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync worker: %w", err)
		}
		return nil
	})

	g.Go(d.sweep(gCtx, "review drain", cfg.Approval.DrainInterval.Std(), func(ctx context.Context) error {
		n, err := d.svc.DrainReview(ctx)
		if n > 0 {
			d.logger.Info("batch tier drained", "tickets", n)
		}
		return err
	}))

	g.Go(d.sweep(gCtx, "spool flush", cfg.Notify.FlushInterval.Std(), func(ctx context.Context) error {
		n, err := d.svc.FlushSpool(ctx)
		if n > 0 {
			d.logger.Info("spooled announcements delivered", "count", n)
		}
		return err
	}))

	g.Go(d.sweep(gCtx, "index prune", cfg.Index.PruneInterval.Std(), func(ctx context.Context) error {
		n, err := d.svc.proposals.PruneTerminal(ctx, cfg.Index.Retention.Std())
		if n > 0 {
			d.logger.Info("terminal proposals pruned", "count", n)
		}
		return err
	}))

	g.Go(d.sweep(gCtx, "audit prune", cfg.Audit.PruneInterval.Std(), func(context.Context) error {
		n, err := d.svc.Audit().Prune()
		if n > 0 {
			d.logger.Info("rotated audit segments pruned", "count", n)
		}
		return err
	}))

	g.Go(d.sweep(gCtx, "depth sample", depthSampleInterval, func(ctx context.Context) error {
		d.svc.SampleQueueDepths(ctx)
		return nil
	}))

	err := g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// sweep wraps a periodic maintenance function. Sweep failures are
// logged and retried at the next tick; they never stop the daemon. A
// non-positive interval disables the loop.
func (d *Daemon) sweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) func() error {
	return func() error {
		if interval <= 0 {
			<-ctx.Done()
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Warn("maintenance sweep failed", "sweep", name, "error", err)
				}
			}
		}
	}
}
