// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gatehouse assembles the change-proposal engine and its HTTP
// surface.
//
// The service owns the durable state under the data directory (queues,
// proposal index, audit trail, stats store) and wires the approval
// machine, applier, sync worker, and webhook notifier around it. The
// same Service backs both the daemon and the CLI: every operation
// coordinates through per-topic advisory locks, so a CLI approve and a
// running daemon interleave safely on one data directory.
package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gatehouse/services/gatehouse/applier"
	"github.com/AleutianAI/gatehouse/services/gatehouse/approval"
	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/config"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/graph"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
	"github.com/AleutianAI/gatehouse/services/gatehouse/lock"
	"github.com/AleutianAI/gatehouse/services/gatehouse/notify"
	"github.com/AleutianAI/gatehouse/services/gatehouse/queue"
	"github.com/AleutianAI/gatehouse/services/gatehouse/resilience"
	"github.com/AleutianAI/gatehouse/services/gatehouse/stats"
	"github.com/AleutianAI/gatehouse/services/gatehouse/syncer"
	"github.com/AleutianAI/gatehouse/services/gatehouse/telemetry"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

// Queue topic names under the data directory.
const (
	// TopicReview carries tickets for proposals awaiting batch apply or
	// a human decision.
	TopicReview = "review"

	// TopicSyncOut carries applied changes bound for the graph store.
	TopicSyncOut = "sync-out"

	// TopicSyncDLQ holds sync messages that exhausted their retries.
	TopicSyncDLQ = "sync-dlq"
)

const tracerName = "gatehouse/service"

// =============================================================================
// Service
// =============================================================================

// Service is the assembled engine: durable state plus the collaborators
// that act on it.
//
// # Thread Safety
//
// Service is safe for concurrent use. Every durable structure it owns
// serializes through its own per-topic lease.
type Service struct {
	config config.Config
	logger *slog.Logger

	review      *queue.Queue
	syncOut     *queue.Queue
	deadLetters *queue.Queue
	proposals   *index.Index
	trail       *audit.Logger
	archiver    *audit.Archiver
	store       *graph.Store
	applier     *applier.Applier
	machine     *approval.Machine
	notifier    *notify.Webhook
	worker      *syncer.Worker
	stats       *stats.Store
	metrics     *telemetry.Metrics
	limiter     *resilience.SlidingWindowLimiter

	depthReg metric.Registration
	started  time.Time
}

// New opens the durable state under cfg.Data.Dir and wires the engine.
//
// # Description
//
// Opening is idempotent: directories are created as needed, queue WALs
// are replayed, and the proposal index and stats store load whatever
// the last process left behind. Optional collaborators degrade rather
// than fail: a missing webhook URL disables announcements, and a GCS
// archiver that cannot authenticate logs a warning and leaves rotated
// audit segments local.
//
// # Inputs
//
//   - ctx: bounds queue recovery and archiver client construction
//   - cfg: validated configuration (config.Load has already run)
//   - logger: process logger; nil falls back to slog.Default()
//
// # Outputs
//
//   - *Service: the assembled engine
//   - error: non-nil when any required durable structure cannot open
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "service")

	if err := os.MkdirAll(cfg.Data.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.Data.Dir, err)
	}
	if err := os.MkdirAll(cfg.Data.ManagedRoot, 0o750); err != nil {
		return nil, fmt.Errorf("creating managed root %s: %w", cfg.Data.ManagedRoot, err)
	}

	s := &Service{
		config:  cfg,
		logger:  log,
		started: time.Now().UTC(),
		limiter: resilience.NewSlidingWindowLimiter(resilience.RateLimiterConfig{
			MaxRequests: cfg.Server.RateLimitRequests,
			Window:      cfg.Server.RateLimitWindow.Std(),
		}),
	}

	lease := lock.Config{
		Timeout:    cfg.Queue.LockTimeout.Std(),
		Poll:       cfg.Queue.LockPoll.Std(),
		StaleAfter: cfg.Queue.StaleLock.Std(),
		Logger:     logger,
	}
	qcfg := queue.Config{Lock: lease, Logger: logger}

	var err error
	for _, topic := range []struct {
		name string
		dst  **queue.Queue
	}{
		{TopicReview, &s.review},
		{TopicSyncOut, &s.syncOut},
		{TopicSyncDLQ, &s.deadLetters},
	} {
		*topic.dst, err = queue.Open(cfg.QueueDir(), topic.name, qcfg)
		if err != nil {
			return nil, fmt.Errorf("opening queue %s: %w", topic.name, err)
		}
		report, err := (*topic.dst).Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovering queue %s: %w", topic.name, err)
		}
		if report.Merged > 0 || report.MalformedDropped > 0 {
			log.Info("queue recovered",
				"topic", topic.name,
				"merged", report.Merged,
				"malformed_dropped", report.MalformedDropped)
		}
	}

	s.proposals, err = index.Open(cfg.IndexPath(), index.Config{Lock: lease, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening proposal index: %w", err)
	}

	s.stats, err = stats.Open(stats.Config{Path: cfg.StatsPath(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening stats store: %w", err)
	}

	// Hard kills can leave lease markers behind; sweep them now so the
	// first operation does not eat the stale-lock timeout, and let the
	// stats window see how often that happens.
	for _, dir := range []string{cfg.QueueDir(), cfg.Data.Dir} {
		reclaimed, err := lock.ReclaimStale(dir, lease)
		if err != nil {
			log.Warn("stale lease sweep failed", "dir", dir, "error", err)
			continue
		}
		for i := 0; i < reclaimed; i++ {
			s.stats.RecordLockReclaim("startup-sweep")
		}
	}

	if err := s.openAudit(ctx, logger); err != nil {
		return nil, err
	}
	if err := s.openGraph(logger); err != nil {
		return nil, err
	}

	s.applier, err = applier.New(applier.Config{
		Root:      cfg.Data.ManagedRoot,
		MinFreeMB: cfg.Data.MinFreeBytes / (1 << 20),
		Fixer:     openFixer(logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building applier: %w", err)
	}

	if cfg.Notify.WebhookURL != "" {
		s.notifier, err = notify.New(notify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			SpoolPath:  cfg.SpoolPath(),
			Timeout:    cfg.Notify.Timeout.Std(),
			Throttle:   cfg.Notify.Throttle.Std(),
			Burst:      cfg.Notify.Burst,
			Audit:      s.trail,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("building notifier: %w", err)
		}
	}

	meter := otel.Meter("gatehouse")
	s.metrics, err = telemetry.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("building metrics: %w", err)
	}
	s.depthReg, err = s.metrics.RegisterQueueDepth(meter, s.queueDepths)
	if err != nil {
		return nil, fmt.Errorf("registering queue depth gauge: %w", err)
	}

	mcfg := approval.Config{
		Index:       s.proposals,
		Review:      s.review,
		Applier:     s.applier,
		Audit:       s.trail,
		OnDecision:  s.observeDecision,
		OnApply:     s.observeApply,
		OnApplied:   s.enqueueSync,
		WaitPoll:    cfg.Approval.WaitPoll.Std(),
		WaitTimeout: cfg.Approval.WaitTimeout.Std(),
		Logger:      logger,
	}
	if s.notifier != nil {
		mcfg.Notifier = s.notifier
	}
	s.machine, err = approval.New(mcfg)
	if err != nil {
		return nil, fmt.Errorf("building approval machine: %w", err)
	}

	s.worker, err = syncer.New(syncer.Config{
		Queue:        s.syncOut,
		DeadLetters:  s.deadLetters,
		Store:        s.store,
		Audit:        s.trail,
		Stats:        stats.Sink{Store: s.stats},
		MaxRetries:   cfg.Sync.MaxRetries,
		RetryDelay:   cfg.Sync.RetryDelay.Std(),
		IdleInterval: cfg.Sync.IdleInterval.Std(),
		BatchSize:    cfg.Sync.BatchSize,
		OnResult:     s.observeSync,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building sync worker: %w", err)
	}

	// Refuse to assemble on a full disk rather than fail mid-apply.
	if err := s.Preflight(); err != nil {
		s.Close()
		return nil, fmt.Errorf("preflight: %w", err)
	}

	log.Info("service assembled",
		"data_dir", cfg.Data.Dir,
		"managed_root", cfg.Data.ManagedRoot,
		"notifier", s.notifier != nil,
		"archiver", s.archiver != nil)
	return s, nil
}

// openAudit opens the trail and, when a bucket is configured, hooks
// rotation to the GCS archiver. An archiver that cannot construct
// (missing credentials, no network) downgrades to a warning.
func (s *Service) openAudit(ctx context.Context, logger *slog.Logger) error {
	cfg := audit.Config{
		Dir:             s.config.AuditDir(),
		MaxFileSize:     s.config.Audit.MaxFileSize,
		MaxRotatedFiles: s.config.Audit.MaxRotatedFiles,
		Retention:       s.config.Audit.Retention.Std(),
		Logger:          logger,
	}

	if bucket := s.config.Audit.ArchiveBucket; bucket != "" {
		archiver, err := audit.NewArchiver(ctx, audit.ArchiverConfig{
			Bucket: bucket,
			Prefix: "gatehouse/audit",
			Logger: logger,
		})
		if err != nil {
			s.logger.Warn("audit archiver unavailable, rotated segments stay local",
				"bucket", bucket,
				"error", err)
		} else {
			s.archiver = archiver
			cfg.OnRotate = archiver.ArchiveAsync
		}
	}

	trail, err := audit.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening audit trail: %w", err)
	}
	s.trail = trail
	return nil
}

// openGraph builds the graph store with the breaker hook feeding
// metrics and the stats window.
func (s *Service) openGraph(logger *slog.Logger) error {
	cfg := s.config
	store, err := graph.NewStore(graph.Config{
		URL:     cfg.Weaviate.Scheme + "://" + cfg.Weaviate.Host,
		Timeout: cfg.Weaviate.Timeout.Std(),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
			ResetTimeout:     cfg.Resilience.BreakerResetTimeout.Std(),
			HalfOpenMaxCalls: cfg.Resilience.BreakerHalfOpenMaxCalls,
			OnStateChange:    s.observeBreaker,
		},
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Resilience.RetryMaxAttempts,
			BaseDelay:  cfg.Resilience.RetryBaseDelay.Std(),
			MaxDelay:   cfg.Resilience.RetryMaxDelay.Std(),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("building graph store: %w", err)
	}
	s.store = store
	return nil
}

// openFixer builds the apply-failure fixer when credentials exist.
// No key means no suggestions; applies still roll back on their own.
func openFixer(logger *slog.Logger) applier.FixSuggester {
	fixer, err := applier.NewOpenAIFixer(logger)
	if err != nil {
		logger.Debug("fix suggestions disabled", "reason", err.Error())
		return nil
	}
	return fixer
}

// =============================================================================
// Facade
// =============================================================================

// Propose routes one change through the approval policy.
//
// The caller is rate limited by source key before any durable write.
// A nil Decision with a *datatypes.ValidationError means nothing was
// recorded.
func (s *Service) Propose(ctx context.Context, change datatypes.Change, reason string, impactScore float64, source string) (*approval.Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "service.propose")
	defer span.End()

	dec, err := s.machine.Propose(ctx, change, reason, impactScore, source)
	if dec != nil && dec.Proposal != nil {
		s.metrics.ProposalsCreatedTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("type", string(dec.Proposal.Type)),
				attribute.String("level", string(dec.Proposal.Level)),
			))
	}
	return dec, err
}

// Approve settles a pending proposal positively and applies it.
// Returns nil with no error when the id is unknown.
func (s *Service) Approve(ctx context.Context, id, actor string) (*datatypes.Proposal, error) {
	return s.machine.Approve(ctx, id, actor)
}

// Reject settles a pending proposal negatively.
// Returns nil with no error when the id is unknown.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (*datatypes.Proposal, error) {
	return s.machine.Reject(ctx, id, reason, actor)
}

// Get returns one proposal by id, nil when unknown.
func (s *Service) Get(ctx context.Context, id string) (*datatypes.Proposal, error) {
	return s.proposals.Get(ctx, id)
}

// List returns proposals matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter index.Filter) ([]*datatypes.Proposal, error) {
	return s.proposals.List(ctx, filter)
}

// DrainReview applies the queued batch tier once.
func (s *Service) DrainReview(ctx context.Context) (int, error) {
	return s.machine.DrainReview(ctx)
}

// AllowPropose consults the intake rate limiter for one source key.
func (s *Service) AllowPropose(key string) bool {
	return s.limiter.Allow(key)
}

// ListDeadLetters returns the decoded dead-letter backlog.
func (s *Service) ListDeadLetters(ctx context.Context) ([]datatypes.DeadLetterEntry, error) {
	return s.worker.ListDeadLetters(ctx)
}

// RequeueDeadLetter moves one dead letter back onto the sync topic.
func (s *Service) RequeueDeadLetter(ctx context.Context, enqueueID string) error {
	return s.worker.Requeue(ctx, enqueueID)
}

// RequeueAllDeadLetters drains the whole DLQ back onto the sync topic.
func (s *Service) RequeueAllDeadLetters(ctx context.Context) (int, error) {
	return s.worker.RequeueAll(ctx)
}

// PurgeDeadLetters discards the dead-letter backlog.
func (s *Service) PurgeDeadLetters(ctx context.Context) (int, error) {
	return s.worker.PurgeDeadLetters(ctx)
}

// FlushSpool retries spooled announcements once.
func (s *Service) FlushSpool(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	return s.notifier.FlushSpool(ctx)
}

// Preflight verifies the engine can accept work: managed tree disk
// floor and data directory headroom.
func (s *Service) Preflight() error {
	if err := s.applier.Preflight(); err != nil {
		return err
	}
	if floor := s.config.Data.MinFreeBytes; floor > 0 {
		free := diskFree(s.config.Data.Dir)
		if free >= 0 && free < floor {
			return fmt.Errorf("%d bytes free under %s, need at least %d", free, s.config.Data.Dir, floor)
		}
	}
	return nil
}

// Queue returns the named topic for inspection, or an error for
// unknown names. Used by the CLI's queue surface.
func (s *Service) Queue(name string) (*queue.Queue, error) {
	switch name {
	case TopicReview:
		return s.review, nil
	case TopicSyncOut:
		return s.syncOut, nil
	case TopicSyncDLQ:
		return s.deadLetters, nil
	default:
		return nil, fmt.Errorf("unknown queue topic %q (have %s, %s, %s)",
			name, TopicReview, TopicSyncOut, TopicSyncDLQ)
	}
}

// Audit exposes the trail for the websocket feed and the TUI.
func (s *Service) Audit() *audit.Logger { return s.trail }

// Worker exposes the sync worker for the daemon run loop.
func (s *Service) Worker() *syncer.Worker { return s.worker }

// Stats exposes the operational event store.
func (s *Service) Stats() *stats.Store { return s.stats }

// Config returns the configuration the service was assembled with.
func (s *Service) Config() config.Config { return s.config }

// Close releases the optional collaborators and flushes the stats
// store. Queues and the index hold no open handles between operations.
func (s *Service) Close() error {
	var errs []error
	if s.depthReg != nil {
		if err := s.depthReg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister queue depth gauge: %w", err))
		}
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
	if err := s.stats.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stats store: %w", err))
	}
	if err := s.trail.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit trail: %w", err))
	}
	if s.archiver != nil {
		if err := s.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archiver: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Status
// =============================================================================

// StatusReport is the operator-facing snapshot of the engine.
type StatusReport struct {
	// PendingByLevel counts actionable proposals per tier.
	PendingByLevel map[datatypes.Level]int `json:"pendingByLevel"`

	// RecentActivityCount is audit entries in the trailing hour,
	// capped by the query limit.
	RecentActivityCount int `json:"recentActivityCount"`

	// QueueLength is the sync-out backlog.
	QueueLength int `json:"queueLength"`

	// DeadLetters is the DLQ backlog.
	DeadLetters int `json:"deadLetters"`

	// Breaker is the graph store circuit state.
	Breaker string `json:"breaker"`

	// Worker is the sync worker counter snapshot.
	Worker syncer.WorkerStats `json:"worker"`

	// PendingNotifications is the spooled announcement backlog.
	PendingNotifications int `json:"pendingNotifications"`

	// MetricsSummary condenses the trailing-hour event window.
	MetricsSummary stats.Summary `json:"metricsSummary"`

	// Alerts flags operational conditions needing attention.
	Alerts []stats.Alert `json:"alerts,omitempty"`

	// Uptime is how long this process has been assembled.
	Uptime string `json:"uptime"`

	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// statusWindow is how far back the status surface looks.
const statusWindow = time.Hour

// Status assembles the operator snapshot: index counts, queue depths,
// breaker state, the stats summary, and evaluated alerts.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "service.status")
	defer span.End()

	report := &StatusReport{
		PendingByLevel: make(map[datatypes.Level]int),
		Breaker:        s.store.Breaker().State().String(),
		Worker:         s.worker.Stats(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		Version:        Version,
		GeneratedAt:    time.Now().UTC(),
	}

	open, err := s.proposals.List(ctx, index.Filter{Statuses: []datatypes.Status{
		datatypes.StatusPending,
		datatypes.StatusQueued,
		datatypes.StatusPendingApproval,
	}})
	if err != nil {
		return nil, fmt.Errorf("listing pending proposals: %w", err)
	}
	for _, p := range open {
		report.PendingByLevel[p.Level]++
	}

	recent, err := s.trail.Query(audit.Filter{Since: time.Now().Add(-statusWindow), Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("querying recent activity: %w", err)
	}
	report.RecentActivityCount = len(recent)

	if report.QueueLength, err = s.syncOut.Length(ctx); err != nil {
		return nil, fmt.Errorf("reading sync backlog: %w", err)
	}
	if report.DeadLetters, err = s.deadLetters.Length(ctx); err != nil {
		return nil, fmt.Errorf("reading dead-letter backlog: %w", err)
	}
	if s.notifier != nil {
		report.PendingNotifications = s.notifier.Pending()
	}

	report.MetricsSummary = s.stats.Summarize(statusWindow)
	report.Alerts = s.stats.EvaluateAlerts(stats.AlertInputs{
		BreakerOpen:    s.store.Breaker().State() == resilience.StateOpen,
		DeadLetters:    report.DeadLetters,
		DiskFreeBytes:  diskFree(s.config.Data.Dir),
		DiskFloorBytes: s.config.Data.MinFreeBytes,
		ReclaimWindow:  statusWindow,
	})
	return report, nil
}

// SampleQueueDepths records one depth sample per topic into the stats
// window. The daemon calls this on a timer.
func (s *Service) SampleQueueDepths(ctx context.Context) {
	for topic, depth := range s.depths(ctx) {
		s.stats.RecordQueueDepth(topic, int(depth))
	}
}

// queueDepths feeds the observable gauge. The callback runs on the
// meter's schedule, so it bounds its own reads.
func (s *Service) queueDepths() map[string]int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.depths(ctx)
}

func (s *Service) depths(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, 3)
	for _, q := range []*queue.Queue{s.review, s.syncOut, s.deadLetters} {
		n, err := q.Length(ctx)
		if err != nil {
			s.logger.Warn("queue depth read failed", "topic", q.Name(), "error", err)
			continue
		}
		out[q.Name()] = int64(n)
	}
	return out
}

// =============================================================================
// Hooks
// =============================================================================

// enqueueSync turns an applied proposal into a graph sync message. The
// proposal is already terminal; a push failure here is logged and
// counted, never propagated back into the apply path.
func (s *Service) enqueueSync(ctx context.Context, p *datatypes.Proposal, res *applier.Result) {
	entity := entityForApply(p, res)
	if err := entity.Validate(); err != nil {
		s.logger.Error("applied change produced an invalid sync entity",
			"proposal_id", p.ID,
			"error", err)
		s.countError(ctx, "sync_enqueue")
		return
	}
	if _, err := s.syncOut.Push(ctx, entity); err != nil {
		s.logger.Error("enqueueing applied change for sync failed",
			"proposal_id", p.ID,
			"error", err)
		s.countError(ctx, "sync_enqueue")
		return
	}
	s.logger.Debug("applied change queued for graph sync", "proposal_id", p.ID)
}

// entityForApply shapes the merge-or-create graph record for one
// applied proposal. The key is derived from the proposal id, so any
// number of replays converge on one object.
func entityForApply(p *datatypes.Proposal, res *applier.Result) datatypes.SyncEntity {
	props := map[string]any{
		"type":        string(p.Type),
		"level":       string(p.Level),
		"reason":      p.Reason,
		"impactScore": p.ImpactScore,
		"source":      p.Source,
		"status":      string(p.Status),
	}
	if p.AppliedAt != nil {
		props["appliedAt"] = p.AppliedAt.Format(time.RFC3339)
	} else if p.ApprovedAt != nil {
		props["appliedAt"] = p.ApprovedAt.Format(time.RFC3339)
	}

	var rels []datatypes.Relationship
	if res != nil {
		for _, path := range res.ChangedPaths {
			rels = append(rels, datatypes.Relationship{
				Predicate: "touched",
				TargetKey: "path/" + path,
			})
			if len(rels) == 64 {
				break
			}
		}
	}

	return datatypes.SyncEntity{
		Key:           "proposal/" + p.ID,
		Kind:          "AppliedChange",
		Properties:    props,
		Relationships: rels,
	}
}

// observeDecision feeds settled decisions into the decisions counter.
func (s *Service) observeDecision(decision datatypes.Status, level datatypes.Level) {
	s.metrics.DecisionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("decision", string(decision)),
			attribute.String("level", string(level)),
		))
}

// observeApply feeds apply latency into the histogram and the stats
// window.
func (s *Service) observeApply(elapsed time.Duration, err error) {
	outcome := "applied"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.ApplyDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	s.stats.RecordApply(outcome, elapsed)
}

// observeSync feeds sync outcomes into the counters. Per-message stats
// points flow through the worker's sink separately.
func (s *Service) observeSync(outcome, kind string) {
	ctx := context.Background()
	s.metrics.SyncAttemptsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == syncer.OutcomeDeadLetter {
		s.metrics.DLQTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// observeBreaker feeds circuit transitions into the counter and the
// stats window. The breaker invokes this in its own goroutine.
func (s *Service) observeBreaker(name string, from, to resilience.CircuitState) {
	s.metrics.BreakerTransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("to", to.String()),
		))
	s.stats.RecordBreaker(name, to.String())
	s.logger.Info("breaker transition",
		"breaker", name,
		"from", from.String(),
		"to", to.String())
}

// countError bumps the component error counter.
func (s *Service) countError(ctx context.Context, component string) {
	s.metrics.ErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("component", component)))
}

// diskFree returns the available bytes on path's filesystem, -1 when
// the probe itself fails.
func diskFree(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return -1
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}
