// Package pipeline runs collection cycles and moves each item through the
// processing stages: claim, dedup gate, extraction, enrichment, storage and
// alert evaluation. Stages hand work to each other through the store, so a
// crashed or failed item is picked up again without re-collecting it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gustycube/osintd/internal/alert"
	"github.com/gustycube/osintd/internal/collector"
	"github.com/gustycube/osintd/internal/dedup"
	"github.com/gustycube/osintd/internal/enrich"
	"github.com/gustycube/osintd/internal/extract"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/notify"
	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

// Store is the persistence the pipeline drives.
type Store interface {
	RecordPending(ctx context.Context, item types.CollectedItem) (bool, error)
	RecordedFingerprint(ctx context.Context, id string) (string, error)
	Claim(ctx context.Context, id, owner string, lease time.Duration) (types.ProcessingRecord, types.CollectedItem, error)
	Release(ctx context.Context, id, owner, reason string) error
	MarkProcessed(ctx context.Context, id, owner string) error
	MarkDuplicate(ctx context.Context, id, owner, reason string) error
	MarkError(ctx context.Context, id, owner, reason string) error
	Recover(ctx context.Context) ([]string, error)
	UpsertItem(ctx context.Context, item types.CollectedItem, entities []types.Entity) error
	SaveRun(ctx context.Context, sum types.CycleSummary) error
}

// Deps are the stage implementations. Enricher, Alerts and Notifier may be
// nil.
type Deps struct {
	Collectors *collector.Registry
	Store      Store
	Gate       *dedup.Gate
	Extractor  *extract.Extractor
	Enricher   *enrich.Service
	Alerts     *alert.Evaluator
	Notifier   *notify.Dispatcher
}

// Options tunes worker counts, retries and leases. Zero values take
// defaults.
type Options struct {
	Owner              string
	Concurrency        int
	CollectConcurrency int
	MaxAttempts        int
	LeaseTTL           time.Duration
	ItemTimeout        time.Duration
}

func (o *Options) setDefaults() {
	if o.Owner == "" {
		o.Owner = "osintd"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.CollectConcurrency < 1 {
		o.CollectConcurrency = 4
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 5 * time.Minute
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = time.Minute
	}
}

// Pipeline drives items from collection to alerting.
type Pipeline struct {
	Deps
	opts   Options
	log    *logging.Logger
	tracer trace.Tracer
	active atomic.Int32
	now    func() time.Time
}

// New returns a Pipeline over d.
func New(d Deps, opts Options, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	opts.setDefaults()
	return &Pipeline{
		Deps:   d,
		opts:   opts,
		log:    log.With("component", "pipeline", "owner", opts.Owner),
		tracer: otel.Tracer("osintd/pipeline"),
		now:    time.Now,
	}
}

// Active reports how many items are being processed right now.
func (p *Pipeline) Active() int { return int(p.active.Load()) }

// Concurrency is the processing worker count.
func (p *Pipeline) Concurrency() int { return p.opts.Concurrency }

// Result describes what Process did with one item.
type Result struct {
	ItemID string
	Source string
	Status types.Status
}

// Process claims id and runs it through every stage. A pending status in
// the result means the item was released for a later retry. Claim
// conflicts are returned as store.ErrAlreadyClaimed or
// store.ErrInvalidTransition and leave the record untouched.
func (p *Pipeline) Process(ctx context.Context, id string) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "Process", trace.WithAttributes(attribute.String("item.id", id)))
	defer span.End()
	p.active.Add(1)
	defer p.active.Add(-1)
	start := time.Now()
	defer func() { metrics.ProcessDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{ItemID: id}
	rec, item, err := p.Store.Claim(ctx, id, p.opts.Owner, p.opts.LeaseTTL)
	res.Source = rec.Source
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.String("item.source", item.Source), attribute.Int("item.attempt", rec.Attempts))

	verdict, err := p.Gate.Check(ctx, item)
	if err != nil {
		return p.fail(ctx, span, res, rec, fmt.Errorf("dedup: %w", err))
	}
	if verdict.Verdict != dedup.Accepted {
		reason := fmt.Sprintf("%s of %s", verdict.Verdict, verdict.DuplicateOf)
		if err := p.Store.MarkDuplicate(ctx, id, p.opts.Owner, reason); err != nil {
			return res, err
		}
		metrics.ItemsProcessed.WithLabelValues(string(types.StatusDuplicate)).Inc()
		p.log.Debugw("duplicate", "item", id, "verdict", verdict.Verdict, "of", verdict.DuplicateOf, "distance", verdict.Distance)
		res.Status = types.StatusDuplicate
		return res, nil
	}

	entities := p.Extractor.Extract(item)
	for _, e := range entities {
		metrics.Entities.WithLabelValues(string(e.Type)).Inc()
	}
	if p.Enricher != nil {
		p.Enricher.Enrich(ctx, entities)
	}
	if err := p.Store.UpsertItem(ctx, item, entities); err != nil {
		return p.fail(ctx, span, res, rec, fmt.Errorf("store: %w", err))
	}

	var fired []types.Notification
	if p.Alerts != nil {
		if fired, err = p.Alerts.Evaluate(ctx, item, entities); err != nil {
			return p.fail(ctx, span, res, rec, fmt.Errorf("alerts: %w", err))
		}
	}

	if err := p.Store.MarkProcessed(ctx, id, p.opts.Owner); err != nil {
		return res, err
	}
	metrics.ItemsProcessed.WithLabelValues(string(types.StatusProcessed)).Inc()
	res.Status = types.StatusProcessed
	span.SetAttributes(attribute.Int("item.entities", len(entities)), attribute.Int("item.alerts", len(fired)))

	if p.Notifier != nil {
		for _, n := range fired {
			// undelivered notifications stay queued for Redeliver
			_ = p.Notifier.Dispatch(ctx, n)
		}
	}
	return res, nil
}

// fail releases the lease for a retry, or marks the item as an error once
// it has used its attempts.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, res Result, rec types.ProcessingRecord, cause error) (Result, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if rec.Attempts >= p.opts.MaxAttempts {
		if err := p.Store.MarkError(ctx, rec.ItemID, p.opts.Owner, cause.Error()); err != nil {
			return res, errors.Join(cause, err)
		}
		metrics.ItemsProcessed.WithLabelValues(string(types.StatusError)).Inc()
		p.log.Warnw("item failed", "item", rec.ItemID, "attempts", rec.Attempts, "err", cause)
		res.Status = types.StatusError
		return res, cause
	}
	if err := p.Store.Release(ctx, rec.ItemID, p.opts.Owner, cause.Error()); err != nil {
		return res, errors.Join(cause, err)
	}
	p.log.Infow("item released for retry", "item", rec.ItemID, "attempts", rec.Attempts, "err", cause)
	res.Status = types.StatusPending
	return res, cause
}

// RunCycle collects every source, then processes this cycle's items along
// with any left pending or stranded by an earlier run. A summary is always
// returned; per-source failures are recorded in it.
func (p *Pipeline) RunCycle(ctx context.Context, sources []types.SourceConfig) types.CycleSummary {
	ctx, span := p.tracer.Start(ctx, "RunCycle")
	defer span.End()

	sum := types.CycleSummary{RunID: ulid.Make().String(), StartedAt: p.now().UTC()}
	span.SetAttributes(attribute.String("run.id", sum.RunID))
	p.log.Infow("cycle started", "run", sum.RunID, "sources", len(sources))

	var mu sync.Mutex
	fresh := p.collectAll(ctx, sources, &sum, &mu)

	ids := p.recoverIDs(ctx, fresh)
	p.processAll(ctx, ids, &sum, &mu)

	if p.Notifier != nil && ctx.Err() == nil {
		if n, err := p.Notifier.Redeliver(ctx); err != nil {
			p.log.Warnw("redelivery failed", "err", err)
		} else if n > 0 {
			p.log.Infow("redelivered notifications", "count", n)
		}
	}

	sum.Collected = 0
	for _, ss := range sum.Sources {
		sum.Collected += ss.Collected
	}
	sum.FinishedAt = p.now().UTC()
	q := p.Gate.Reset()
	if err := p.Store.SaveRun(context.WithoutCancel(ctx), sum); err != nil {
		p.log.Warnw("save run failed", "run", sum.RunID, "err", err)
	}
	p.log.Infow("cycle finished",
		"run", sum.RunID,
		"collected", sum.Collected,
		"processed", sum.Processed,
		"deduplicated", sum.Deduplicated,
		"errors", sum.Errors,
		"malformed", q.Malformed,
		"empty", q.Empty,
		"took", sum.FinishedAt.Sub(sum.StartedAt).String(),
	)
	return sum
}

// Collect runs only the collection phase and returns the newly recorded
// pending ids, for seeding distributed workers.
func (p *Pipeline) Collect(ctx context.Context, sources []types.SourceConfig) (types.CycleSummary, []string) {
	sum := types.CycleSummary{RunID: ulid.Make().String(), StartedAt: p.now().UTC()}
	var mu sync.Mutex
	fresh := p.collectAll(ctx, sources, &sum, &mu)
	for _, ss := range sum.Sources {
		sum.Collected += ss.Collected
	}
	sum.FinishedAt = p.now().UTC()
	p.Gate.Reset()
	return sum, fresh
}

func (p *Pipeline) collectAll(ctx context.Context, sources []types.SourceConfig, sum *types.CycleSummary, mu *sync.Mutex) []string {
	for _, src := range sources {
		sum.Source(src.Name)
	}

	var fresh []string
	var g errgroup.Group
	g.SetLimit(p.opts.CollectConcurrency)
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ids := p.collectSource(ctx, src, sum, mu)
			mu.Lock()
			fresh = append(fresh, ids...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return fresh
}

func (p *Pipeline) collectSource(ctx context.Context, src types.SourceConfig, sum *types.CycleSummary, mu *sync.Mutex) []string {
	ctx, span := p.tracer.Start(ctx, "Collect", trace.WithAttributes(attribute.String("source.name", src.Name), attribute.String("source.type", src.Type)))
	defer span.End()
	log := p.log.With("source", src.Name)
	mu.Lock()
	ss := sum.Source(src.Name)
	mu.Unlock()

	sourceErr := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SourceErrors.WithLabelValues(src.Name).Inc()
		mu.Lock()
		sum.Errors++
		ss.Errors++
		ss.LastError = err.Error()
		mu.Unlock()
	}

	c, err := p.Collectors.Get(src.Type)
	if err != nil {
		log.Errorw("no collector", "type", src.Type, "err", err)
		sourceErr(err)
		return nil
	}
	if !c.HealthCheck(ctx, src) {
		log.Warnw("source unhealthy, skipping")
		mu.Lock()
		ss.Skipped = true
		mu.Unlock()
		return nil
	}

	start := time.Now()
	items, err := c.Collect(ctx, src)
	metrics.CollectDuration.WithLabelValues(src.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warnw("collect failed", "err", err)
		sourceErr(err)
		return nil
	}

	var fresh []string
	for _, item := range items {
		metrics.ItemsCollected.WithLabelValues(src.Name).Inc()
		if err := p.Gate.Validate(item); err != nil {
			reason := "malformed"
			if errors.Is(err, dedup.ErrEmpty) {
				reason = "empty"
			}
			metrics.ItemsDiscarded.WithLabelValues(src.Name, reason).Inc()
			log.Debugw("item discarded", "item", item.ID, "reason", reason, "err", err)
			mu.Lock()
			if reason == "empty" {
				ss.Empty++
			} else {
				ss.Malformed++
			}
			mu.Unlock()
			continue
		}
		id, superseded, err := p.record(ctx, item)
		if err != nil {
			log.Errorw("record pending failed", "item", item.ID, "err", err)
			sourceErr(err)
			continue
		}
		if id == "" {
			continue
		}
		if superseded != "" {
			metrics.ItemsUpdated.WithLabelValues(src.Name).Inc()
			log.Infow("entry updated upstream", "item", id, "supersedes", superseded)
		}
		fresh = append(fresh, id)
		mu.Lock()
		ss.Collected++
		if superseded != "" {
			ss.Superseded++
		}
		mu.Unlock()
	}
	span.SetAttributes(attribute.Int("source.items", len(items)), attribute.Int("source.new", len(fresh)))
	log.Infow("collected", "items", len(items), "new", len(fresh))
	return fresh
}

// record stores item as pending and returns the id it was recorded under,
// or "" when nothing new was recorded. An entry whose content changed since
// it was first recorded becomes a superseding item with its own id; the
// replaced id is returned as superseded.
func (p *Pipeline) record(ctx context.Context, item types.CollectedItem) (id, superseded string, err error) {
	created, err := p.Store.RecordPending(ctx, item)
	if err != nil || created {
		return item.ID, "", err
	}
	prev, err := p.Store.RecordedFingerprint(ctx, item.ID)
	if err != nil {
		return "", "", err
	}
	if prev == item.Fingerprint {
		return "", "", nil
	}
	next := collector.Supersede(item)
	if created, err = p.Store.RecordPending(ctx, next); err != nil || !created {
		return "", "", err
	}
	return next.ID, item.ID, nil
}

// recoverIDs merges fresh with everything the recovery sweep finds
// claimable.
func (p *Pipeline) recoverIDs(ctx context.Context, fresh []string) []string {
	if ctx.Err() != nil {
		return nil
	}
	recovered, err := p.Store.Recover(ctx)
	if err != nil {
		p.log.Warnw("recovery sweep failed", "err", err)
		return fresh
	}
	seen := make(map[string]bool, len(recovered)+len(fresh))
	out := make([]string, 0, len(recovered)+len(fresh))
	for _, id := range append(fresh, recovered...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if extra := len(out) - len(fresh); extra > 0 {
		p.log.Infow("recovered items", "count", extra)
	}
	return out
}

// processAll feeds ids to a bounded worker pool. Once ctx is cancelled no
// new ids are handed out; items already started finish under ItemTimeout.
func (p *Pipeline) processAll(ctx context.Context, ids []string, sum *types.CycleSummary, mu *sync.Mutex) {
	if len(ids) == 0 {
		return
	}
	tasks := make(chan string)
	workers := p.opts.Concurrency
	if workers > len(ids) {
		workers = len(ids)
	}
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for id := range tasks {
				res, err := p.processDetached(ctx, id)
				p.tally(sum, mu, res, err)
			}
		}()
	}
feed:
	for _, id := range ids {
		select {
		case tasks <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	for i := 0; i < workers; i++ {
		<-done
	}
}

func (p *Pipeline) processDetached(ctx context.Context, id string) (Result, error) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ItemTimeout)
	defer cancel()
	return p.Process(ictx, id)
}

func (p *Pipeline) tally(sum *types.CycleSummary, mu *sync.Mutex, res Result, err error) {
	if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrInvalidTransition) {
		p.log.Debugw("item handled elsewhere", "item", res.ItemID, "err", err)
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if res.Source == "" {
		sum.Errors++
		return
	}
	ss := sum.Source(res.Source)
	switch {
	case err == nil && res.Status == types.StatusProcessed:
		sum.Processed++
		ss.Processed++
	case err == nil && res.Status == types.StatusDuplicate:
		sum.Deduplicated++
		ss.Duplicates++
	default:
		sum.Errors++
		ss.Errors++
		if err != nil {
			ss.LastError = err.Error()
		}
	}
}
