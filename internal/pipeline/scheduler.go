package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/gustycube/osintd/internal/queue"
	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

// Schedule runs a cycle immediately and then every interval until ctx is
// cancelled. sources is called before each cycle so reloaded configuration
// takes effect. With once set it returns after the first cycle.
func (p *Pipeline) Schedule(ctx context.Context, interval time.Duration, once bool, sources func() []types.SourceConfig, onCycle func(types.CycleSummary)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sum := p.RunCycle(ctx, sources())
		if onCycle != nil {
			onCycle(sum)
		}
		if once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Queue hands item ids to distributed workers.
type Queue interface {
	Seed(ctx context.Context, itemID, source string) error
	Lease(ctx context.Context) (queue.Entry, func() error, error)
	RequeueStale(ctx context.Context) (int, error)
}

// Seed collects sources and pushes every claimable id onto q: the items
// recorded by this collection and those the recovery sweep finds.
func (p *Pipeline) Seed(ctx context.Context, q Queue, sources []types.SourceConfig) (types.CycleSummary, int, error) {
	sum, fresh := p.Collect(ctx, sources)
	ids := p.recoverIDs(ctx, fresh)
	seeded := 0
	for _, id := range ids {
		if err := q.Seed(ctx, id, ""); err != nil {
			return sum, seeded, err
		}
		seeded++
	}
	p.log.Infow("seeded queue", "run", sum.RunID, "collected", sum.Collected, "seeded", seeded)
	return sum, seeded, nil
}

// Work leases ids from q and processes them with Concurrency workers until
// ctx is cancelled. Stale leases are requeued every requeueEvery.
func (p *Pipeline) Work(ctx context.Context, q Queue, requeueEvery time.Duration) {
	if requeueEvery <= 0 {
		requeueEvery = p.opts.LeaseTTL
	}
	go func() {
		t := time.NewTicker(requeueEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := q.RequeueStale(ctx); err != nil && ctx.Err() == nil {
					p.log.Warnw("requeue stale failed", "err", err)
				} else if n > 0 {
					p.log.Infow("requeued stale leases", "count", n)
				}
			}
		}
	}()

	done := make(chan struct{})
	for i := 0; i < p.opts.Concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for ctx.Err() == nil {
				p.workOne(ctx, q)
			}
		}()
	}
	for i := 0; i < p.opts.Concurrency; i++ {
		<-done
	}
}

func (p *Pipeline) workOne(ctx context.Context, q Queue) {
	e, ack, err := q.Lease(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warnw("lease failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		return
	}
	if e.ItemID == "" {
		return
	}
	res, err := p.processDetached(ctx, e.ItemID)
	switch {
	case err == nil, errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrAlreadyClaimed):
		// held by another worker; the next seed sweep recovers it if that lease lapses
	case res.Status == types.StatusPending:
		if serr := q.Seed(context.WithoutCancel(ctx), e.ItemID, e.Source); serr != nil {
			p.log.Warnw("requeue failed", "item", e.ItemID, "err", serr)
			return
		}
	default:
		p.log.Warnw("process failed", "item", e.ItemID, "status", res.Status, "err", err)
	}
	if err := ack(); err != nil {
		p.log.Warnw("ack failed", "item", e.ItemID, "err", err)
	}
}
