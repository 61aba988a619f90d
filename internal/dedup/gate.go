package dedup

import (
	"context"
	"errors"
	"sync"

	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/types"
)

// Verdict is the outcome of the dedup gate for one item.
type Verdict string

const (
	Accepted      Verdict = "accepted"
	Duplicate     Verdict = "duplicate"
	NearDuplicate Verdict = "near_duplicate"
)

// Result is the gate verdict for one item.
type Result struct {
	Verdict     Verdict
	Fingerprint string
	Signature   uint64
	Distance    int
	DuplicateOf string
}

// QualityReport accumulates gate outcomes for one processing run.
type QualityReport struct {
	Total          int `json:"total"`
	Duplicates     int `json:"duplicates"`
	NearDuplicates int `json:"near_duplicates"`
	Malformed      int `json:"malformed"`
	Empty          int `json:"empty"`
	Accepted       int `json:"accepted"`
}

// Gate classifies items as accepted, exact duplicate or near-duplicate
// against shared windows. Given the same windows it always decides the same.
type Gate struct {
	seen      SeenSet
	window    Window
	threshold int

	mu     sync.Mutex
	report QualityReport
}

// NewGate returns a Gate over seen and window. Items whose signature is
// within threshold bits of a windowed one are near duplicates.
func NewGate(seen SeenSet, window Window, threshold int) *Gate {
	return &Gate{seen: seen, window: window, threshold: threshold}
}

// Validate applies intake validation and counts rejects.
func (g *Gate) Validate(item types.CollectedItem) error {
	err := Validate(item)
	if err == nil {
		return nil
	}
	g.mu.Lock()
	g.report.Total++
	if errors.Is(err, ErrEmpty) {
		g.report.Empty++
		metrics.Dedup.WithLabelValues("empty").Inc()
	} else {
		g.report.Malformed++
		metrics.Dedup.WithLabelValues("malformed").Inc()
	}
	g.mu.Unlock()
	return err
}

// Check runs the exact then near-duplicate stages. Accepted items are
// recorded in both windows under their own id, so re-checking the same item
// is accepted again.
func (g *Gate) Check(ctx context.Context, item types.CollectedItem) (Result, error) {
	fp := item.Fingerprint
	if fp == "" {
		fp = Fingerprint(item.Title, item.Content)
	}
	res := Result{Fingerprint: fp}

	owner, dup, err := g.seen.Mark(ctx, fp, item.ID)
	if err != nil {
		return res, err
	}
	if dup {
		res.Verdict, res.DuplicateOf = Duplicate, owner
		g.count(Duplicate)
		return res, nil
	}

	res.Signature = SimHash(Normalize(CanonicalText(item.Title, item.Content)))
	dist, owner, near, err := g.window.CheckAndAdd(ctx, res.Signature, item.ID, g.threshold)
	if err != nil {
		return res, err
	}
	res.Distance = dist
	if near {
		res.Verdict, res.DuplicateOf = NearDuplicate, owner
		g.count(NearDuplicate)
		return res, nil
	}
	res.Verdict = Accepted
	g.count(Accepted)
	return res, nil
}

func (g *Gate) count(v Verdict) {
	metrics.Dedup.WithLabelValues(string(v)).Inc()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.report.Total++
	switch v {
	case Duplicate:
		g.report.Duplicates++
	case NearDuplicate:
		g.report.NearDuplicates++
	case Accepted:
		g.report.Accepted++
	}
}

// Report returns a snapshot of the current run.
func (g *Gate) Report() QualityReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.report
}

// Reset starts a new run and returns the finished one.
func (g *Gate) Reset() QualityReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.report
	g.report = QualityReport{}
	return r
}
