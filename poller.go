package main

import (
	"context"
	"log"
	"time"

	"gopkg.in/errgo.v1"
)

// Sink receives every reading the poller publishes.
// Implementations must not block for long.
type Sink interface {
	Publish(r Reading)
}

// FailureRecorder is told about each failed poll.
type FailureRecorder interface {
	RecordFailure(reason string)
}

// Poller periodically fetches a snapshot from Source and publishes the
// merged reading into Cache.
type Poller struct {
	Source   Source
	Cache    *Cache
	Interval time.Duration
	// Timeout bounds each fetch. Zero leaves it to the source.
	Timeout time.Duration
	Sinks   []Sink
	// Failures, if set, is told about each failed fetch.
	Failures FailureRecorder

	// failures counts consecutive failed fetches.
	failures int
}

// Run polls until ctx is cancelled. The first fetch happens
// immediately; afterwards Run waits Interval after each attempt,
// successful or not.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	log.Printf("[poller] Polling every %v", p.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[poller] Shutting down")
			return
		case <-t.C:
			p.poll(ctx)
			t.Reset(p.Interval)
		}
	}
}

// poll runs a single fetch, merge and publish cycle.
// Failures leave the cache untouched.
func (p *Poller) poll(ctx context.Context) {
	fetchCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	snap, err := p.Source.Fetch(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(err)
		return
	}
	next, present := MapSnapshot(snap)
	if present == 0 {
		p.fail(errgo.WithCausef(nil, ErrNoData, "snapshot without measurements"))
		return
	}
	if p.failures > 0 {
		log.Printf("[poller] Upstream recovered after %d failed fetches", p.failures)
		p.failures = 0
	}

	prev := p.Cache.Get()
	if next.Time.IsZero() {
		next.Time = time.Now()
	}
	next = mergeReading(prev, next, present)
	if prev.Valid && (next.ImportWh < prev.ImportWh || next.ExportWh < prev.ExportWh) {
		log.Printf("[poller] Energy counters went backwards (import %.1f -> %.1f Wh, export %.1f -> %.1f Wh); assuming meter reset",
			prev.ImportWh, next.ImportWh, prev.ExportWh, next.ExportWh)
	}
	p.Cache.Set(next)
	for _, s := range p.Sinks {
		s.Publish(next)
	}
}

// fail records a failed poll. The cache is left as it is.
func (p *Poller) fail(err error) {
	p.failures++
	reason := FailureReason(err)
	if p.Failures != nil {
		p.Failures.RecordFailure(reason)
	}
	if age := p.Cache.Age(time.Now()); age > 0 {
		log.Printf("[poller] Fetch failed (%s, %d in a row, serving reading from %v ago): %v", reason, p.failures, age.Round(time.Second), err)
	} else {
		log.Printf("[poller] Fetch failed (%s, %d in a row, no reading yet): %v", reason, p.failures, err)
	}
}
