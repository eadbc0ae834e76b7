package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/listashare/eventrelay/metrics"
)

var (
	ErrRelayStarted = errors.New("relay already started")
	ErrRelayStopped = errors.New("relay stopped")
)

// CycleReport summarises one polling cycle.
type CycleReport struct {
	Claimed     int // records leased by this cycle
	Published   int // records marked as PUBLISHED
	Failed      int // publish attempts that returned an error
	Dead        int // failures that moved the record to DEAD
	Released    int // records given back without an attempt or without delivery
	Skipped     int // records not attempted (aggregate held back or relay stopping)
	Undelivered int // records the publisher chose not to deliver
}

// Relay implements the polling publisher: it claims pending outbox records,
// hands them to the publisher and records the outcome. Several relays can run
// against the same store.
type Relay struct {
	id        uuid.UUID
	settings  Settings
	logger    Logger
	store     Store
	publisher Publisher
	now       func() time.Time

	successCtr metrics.Counter
	errorCtr   metrics.Counter
	deadCtr    metrics.Counter
	pendingGge metrics.Gauge
	deadGge    metrics.Gauge

	mu       sync.Mutex // one cycle at a time
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// opt allows optional configuration.
type opt func(r *Relay)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability. Nil counters are ignored.
func WithCounters(success, failure, dead metrics.Counter) opt {
	return func(r *Relay) {
		if success != nil {
			r.successCtr = success
		}
		if failure != nil {
			r.errorCtr = failure
		}
		if dead != nil {
			r.deadCtr = dead
		}
	}
}

// WithGauges allows clients to follow the pending backlog and the number of
// dead records.
func WithGauges(pending, dead metrics.Gauge) opt {
	return func(r *Relay) {
		if pending != nil {
			r.pendingGge = pending
		}
		if dead != nil {
			r.deadGge = dead
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) opt {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithId sets the relay identity used as claim owner. A random one is used
// otherwise.
func WithId(id uuid.UUID) opt {
	return func(r *Relay) {
		if id != uuid.Nil {
			r.id = id
		}
	}
}

// NewRelay creates a relay using the provided settings, store and publisher.
func NewRelay(s Settings, st Store, p Publisher, options ...opt) *Relay {
	if st == nil || p == nil {
		panic("you must provide a store and a publisher")
	}

	validateSettings(&s)

	r := &Relay{
		id:         uuid.New(),
		settings:   s,
		logger:     &NopLogger{},
		store:      st,
		publisher:  p,
		now:        func() time.Time { return time.Now().UTC() },
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		deadCtr:    &metrics.NopCounter{},
		pendingGge: &metrics.NopGauge{},
		deadGge:    &metrics.NopGauge{},
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, o := range options {
		o(r)
	}

	propagateLogger(r.logger, st, p)

	return r
}

// Id returns the identity the relay claims records with.
func (r *Relay) Id() uuid.UUID {
	return r.id
}

// Start launches the polling loop in its own goroutine. The loop ends when
// Stop is called or the context is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	if r.stopping.Load() {
		return ErrRelayStopped
	}
	if !r.started.CompareAndSwap(false, true) {
		return ErrRelayStarted
	}
	r.logger.Info(fmt.Sprintf("relay '%s' started, polling every %s", r.id, r.settings.PollingInterval))
	go r.loop(ctx)
	return nil
}

// Stop prevents new cycles from starting and waits for the one in progress,
// including the publish in flight, to finish.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.done
	}
	// a cycle triggered through ProcessOnce holds the lock too
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info(fmt.Sprintf("relay '%s' stopped", r.id))
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.settings.PollingInterval)
	defer ticker.Stop()
	stats := time.NewTicker(r.settings.StatsInterval)
	defer stats.Stop()

	r.refreshStats(ctx)
	r.cycle(ctx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-stats.C:
			r.refreshStats(ctx)
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Relay) cycle(ctx context.Context) {
	if _, err := r.ProcessOnce(ctx); err != nil {
		r.logger.Error("processing outbox", err)
	}
}

// ProcessOnce runs a single polling cycle: claim, publish sequentially in
// occurredOn order, record outcomes. Publish errors are recorded per record
// and never abort the cycle.
func (r *Relay) ProcessOnce(ctx context.Context) (CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report CycleReport
	if r.stopping.Load() {
		return report, nil
	}

	batch, err := r.store.ClaimBatch(ctx, r.id, r.settings.MaxEventsPerBatch, r.now(), r.settings.ClaimTimeout)
	if err != nil {
		return report, fmt.Errorf("claiming outbox records: %w", err)
	}
	report.Claimed = len(batch)
	if len(batch) == 0 {
		return report, nil
	}
	r.logger.Debug(fmt.Sprintf("relay '%s' claimed %d records", r.id, len(batch)))

	// writes after the claim must survive a cancelled context, otherwise
	// records stay leased until the claim expires
	wctx := context.WithoutCancel(ctx)

	var delivered, release []uuid.UUID
	held := map[string]struct{}{}

	for i, rec := range batch {
		if r.stopping.Load() || ctx.Err() != nil {
			for _, rest := range batch[i:] {
				release = append(release, rest.EventId)
			}
			report.Skipped += len(batch) - i
			break
		}

		// the rest of the batch is handed back once the lease runs low
		left := r.leaseLeft(rec)
		if left <= r.settings.LeaseMargin {
			r.logger.Warn(fmt.Sprintf("relay '%s' lease is running out, releasing %d records", r.id, len(batch)-i))
			for _, rest := range batch[i:] {
				release = append(release, rest.EventId)
			}
			report.Skipped += len(batch) - i
			break
		}

		key := rec.AggregateKey()
		if _, ok := held[key]; ok {
			release = append(release, rec.EventId)
			report.Skipped++
			continue
		}

		// the publish deadline keeps LeaseMargin of the lease for marking the outcome
		pctx, cancel := context.WithTimeout(wctx, left-r.settings.LeaseMargin)
		dr, err := r.publisher.Publish(pctx, &rec.DomainEvent)
		cancel()
		switch {
		case err != nil:
			report.Failed++
			held[key] = struct{}{}
			r.errorCtr.Inc(1)
			status, mErr := r.store.MarkFailed(wctx, r.id, rec.EventId, err, r.now())
			if errors.Is(mErr, ErrLeaseLost) {
				r.logger.Warn(fmt.Sprintf("failed delivery of '%s' not recorded, the record was claimed by another relay", rec.EventId))
				continue
			}
			if mErr != nil {
				r.logger.Error(fmt.Sprintf("recording failed delivery of '%s'", rec.EventId), mErr)
				continue
			}
			if status == StatusDead {
				report.Dead++
				r.deadCtr.Inc(1)
				r.logger.Error(fmt.Sprintf("event '%s' (%s) moved to DEAD after %d attempts", rec.EventId, rec.EventType, rec.Attempts+1), err)
			} else {
				r.logger.Warn(fmt.Sprintf("delivery of '%s' failed, will be retried: %v", rec.EventId, err))
			}
		case dr.Delivered:
			delivered = append(delivered, rec.EventId)
			r.successCtr.Inc(1)
			if dr.Details != "" {
				r.logger.Debug(dr.Details)
			}
		default:
			report.Undelivered++
			held[key] = struct{}{}
			release = append(release, rec.EventId)
		}
	}

	var errs []error
	if len(delivered) > 0 {
		if err := r.store.MarkPublished(wctx, r.id, delivered, r.now()); err != nil {
			errs = append(errs, fmt.Errorf("marking %d records as published: %w", len(delivered), err))
		} else {
			report.Published = len(delivered)
		}
	}
	if len(release) > 0 {
		if err := r.store.Release(wctx, r.id, release); err != nil {
			errs = append(errs, fmt.Errorf("releasing %d records: %w", len(release), err))
		} else {
			report.Released = len(release)
		}
	}

	r.logger.Info(fmt.Sprintf("%d records were successfully delivered (with %d failed, %d dead) from a total of %d claimed",
		report.Published, report.Failed, report.Dead, report.Claimed))

	return report, errors.Join(errs...)
}

// leaseLeft returns how long the relay still owns rec.
func (r *Relay) leaseLeft(rec *OutboxRecord) time.Duration {
	if rec.ClaimedUntil == nil {
		return r.settings.ClaimTimeout
	}
	return rec.ClaimedUntil.Sub(r.now())
}

// refreshStats updates the backlog gauges.
func (r *Relay) refreshStats(ctx context.Context) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		r.logger.Error("counting outbox records", err)
		return
	}
	r.pendingGge.Update(float64(counts[StatusPending]))
	r.deadGge.Update(float64(counts[StatusDead]))
}
