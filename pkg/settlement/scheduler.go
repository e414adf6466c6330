package settlement

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Scheduler releases matured holdbacks. It scans held funding holds, skips
// any agreement with an active arbitration case, and walks the rest through
// held -> releasing -> released via compare-and-set transitions, so a
// concurrent scheduler pass simply loses the race and moves on. Released
// funds are never clawed back; the scheduler refuses to release while a
// dispute is open rather than trying to undo later.
type Scheduler struct {
	ledger  store.Ledger
	clock   func() time.Time
	limiter *rate.Limiter
	lease   *store.LeaseKeeper
	log     *slog.Logger
}

// Report summarizes one maintenance pass.
type Report struct {
	Scanned         int `json:"scanned"`
	Released        int `json:"released"`
	SkippedPending  int `json:"skippedPending"`
	SkippedDisputed int `json:"skippedDisputed"`
	Failed          int `json:"failed"`
}

const schedulerLease = "holdback-scheduler"

func NewScheduler(ledger store.Ledger, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		ledger:  ledger,
		clock:   time.Now,
		limiter: rate.NewLimiter(rate.Limit(100), 10),
		log:     log,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// WithRate bounds releases per second during a pass.
func (s *Scheduler) WithRate(perSecond float64, burst int) *Scheduler {
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return s
}

// WithLease enables cross-process single-runner exclusion. Optional: the
// ledger transitions are already safe without it.
func (s *Scheduler) WithLease(lease *store.LeaseKeeper) *Scheduler {
	s.lease = lease
	return s
}

// RunOnce performs a single maintenance pass and returns its report.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, schedulerLease, time.Minute)
		if err != nil {
			return report, err
		}
		if !ok {
			s.log.Debug("holdback pass skipped, lease held elsewhere")
			return report, nil
		}
		defer func() { _ = s.lease.Release(ctx, schedulerLease) }()
	}

	held, err := s.ledger.ListByKindStatus(ctx, store.KindHold, contracts.HoldHeld)
	if err != nil {
		return report, err
	}

	now := s.clock().UTC()
	for _, rec := range held {
		report.Scanned++
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		switch outcome := s.processHold(ctx, rec, now); outcome {
		case holdReleased:
			report.Released++
		case holdPending:
			report.SkippedPending++
		case holdDisputed:
			report.SkippedDisputed++
		case holdFailed:
			report.Failed++
		}
	}

	s.log.Info("holdback pass complete",
		"scanned", report.Scanned,
		"released", report.Released,
		"skippedPending", report.SkippedPending,
		"skippedDisputed", report.SkippedDisputed,
		"failed", report.Failed)
	return report, nil
}

// Run executes passes at the given interval until the context is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("holdback pass failed", "error", err)
			}
		}
	}
}

type holdOutcome int

const (
	holdPending holdOutcome = iota
	holdReleased
	holdDisputed
	holdFailed
)

func (s *Scheduler) processHold(ctx context.Context, rec store.Record, now time.Time) holdOutcome {
	releaseAt, ok, err := s.maturity(ctx, rec.AgreementHash)
	if err != nil {
		s.log.Error("holdback maturity lookup failed", "agreementHash", rec.AgreementHash, "error", err)
		return holdFailed
	}
	if !ok || now.Before(releaseAt) {
		return holdPending
	}

	disputed, err := s.hasActiveCase(ctx, rec.AgreementHash)
	if err != nil {
		s.log.Error("holdback case lookup failed", "agreementHash", rec.AgreementHash, "error", err)
		return holdFailed
	}
	if disputed {
		return holdDisputed
	}

	releasingBody, err := store.StatusBody(rec, contracts.HoldReleasing)
	if err != nil {
		s.log.Error("holdback body rewrite failed", "holdId", rec.ID, "error", err)
		return holdFailed
	}
	if err := s.ledger.Transition(ctx, rec.ID, contracts.HoldHeld, contracts.HoldReleasing, releasingBody); err != nil {
		if contracts.HasCode(err, contracts.CodeStateConflict) {
			// Another pass got here first.
			return holdPending
		}
		s.log.Error("holdback transition failed", "holdId", rec.ID, "error", err)
		return holdFailed
	}
	releasedBody, err := store.StatusBody(rec, contracts.HoldReleased)
	if err != nil {
		s.log.Error("holdback body rewrite failed", "holdId", rec.ID, "error", err)
		return holdFailed
	}
	if err := s.ledger.Transition(ctx, rec.ID, contracts.HoldReleasing, contracts.HoldReleased, releasedBody); err != nil {
		s.log.Error("holdback release failed", "holdId", rec.ID, "error", err)
		return holdFailed
	}

	// Mirror the lifecycle onto the receipt record; best effort, the hold is
	// the source of truth.
	s.mirrorReceipt(ctx, rec.AgreementHash)

	s.log.Info("holdback released", "holdId", rec.ID, "agreementHash", rec.AgreementHash)
	return holdReleased
}

func (s *Scheduler) mirrorReceipt(ctx context.Context, agreementHash string) {
	receiptID := contracts.ReceiptID(agreementHash)
	rec, err := s.ledger.Get(ctx, receiptID)
	if err != nil {
		if !contracts.HasCode(err, contracts.CodeNotFound) {
			s.log.Warn("receipt status mirror failed", "receiptId", receiptID, "error", err)
		}
		return
	}
	body, err := store.StatusBody(rec, contracts.HoldReleased)
	if err != nil {
		s.log.Warn("receipt status mirror failed", "receiptId", receiptID, "error", err)
		return
	}
	if err := s.ledger.Transition(ctx, receiptID, contracts.HoldHeld, contracts.HoldReleased, body); err != nil &&
		!contracts.HasCode(err, contracts.CodeNotFound) && !contracts.HasCode(err, contracts.CodeStateConflict) {
		s.log.Warn("receipt status mirror failed", "receiptId", receiptID, "error", err)
	}
}

// maturity returns the holdback release time pinned on the agreement's
// receipt. A hold with no receipt yet, or a receipt with no holdback window,
// is not mature.
func (s *Scheduler) maturity(ctx context.Context, agreementHash string) (time.Time, bool, error) {
	rec, err := s.ledger.Get(ctx, contracts.ReceiptID(agreementHash))
	if err != nil {
		if contracts.HasCode(err, contracts.CodeNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	var receipt contracts.SettlementReceipt
	if err := store.DecodeInto(rec, &receipt); err != nil {
		return time.Time{}, false, err
	}
	if receipt.HoldbackReleaseAt == "" {
		return time.Time{}, false, nil
	}
	releaseAt, err := canonical.ParseTime(receipt.HoldbackReleaseAt)
	if err != nil {
		return time.Time{}, false, err
	}
	return releaseAt, true, nil
}

func (s *Scheduler) hasActiveCase(ctx context.Context, agreementHash string) (bool, error) {
	cases, err := s.ledger.FindByKind(ctx, agreementHash, store.KindCase)
	if err != nil {
		return false, err
	}
	for _, rec := range cases {
		var c contracts.ArbitrationCase
		if err := store.DecodeInto(rec, &c); err != nil {
			return false, err
		}
		if c.IsActive() {
			return true, nil
		}
	}
	return false, nil
}
