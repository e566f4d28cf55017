/*
scheduler.go - Periodic drift scan of the active envelope

PURPOSE:
  Runs CheckDrift on a ticker and logs what it finds. The scan is read-only:
  it never corrects the envelope, it only makes drift visible (double-booked
  delivery spend, stranded reservations, negative counters).

CONFIGURATION:
  - Interval: How often to scan (drift.interval). Zero disables the scanner.

USAGE:
  scanner := NewDriftScanner(svc, time.Hour, log)
  scanner.Start()
  // ... later
  scanner.Stop()

SEE ALSO:
  - ledger/drift.go: CheckDrift
  - handlers.go: GetDrift endpoint (on-demand report)
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/civictrack/budget-ledger/ledger"
)

// DriftScanner logs a drift report every Interval.
type DriftScanner struct {
	Service  *ledger.Service
	Interval time.Duration
	Log      zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *ledger.DriftReport
}

func NewDriftScanner(svc *ledger.Service, interval time.Duration, log zerolog.Logger) *DriftScanner {
	return &DriftScanner{
		Service:  svc,
		Interval: interval,
		Log:      log.With().Str("component", "drift_scanner").Logger(),
	}
}

// Start begins scanning. It scans once immediately.
func (ds *DriftScanner) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.Interval <= 0 {
		ds.Log.Info().Msg("drift scanner disabled")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.stop = make(chan struct{})
	ds.wg.Add(1)
	go ds.run(ds.ticker, ds.stop)

	ds.Log.Info().Dur("interval", ds.Interval).Msg("drift scanner started")
}

// Stop stops the scanner and waits for an in-flight scan.
func (ds *DriftScanner) Stop() {
	ds.mu.Lock()
	if ds.ticker == nil {
		ds.mu.Unlock()
		return
	}
	ds.ticker.Stop()
	close(ds.stop)
	ds.ticker = nil
	ds.mu.Unlock()

	ds.wg.Wait()
	ds.Log.Info().Msg("drift scanner stopped")
}

func (ds *DriftScanner) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ds.wg.Done()

	ds.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			ds.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow scans immediately and returns the report. The report is nil when
// there is no active envelope.
func (ds *DriftScanner) RunNow(ctx context.Context) *ledger.DriftReport {
	report, err := ds.Service.CheckDrift(ctx)
	if errors.Is(err, ledger.ErrNoActiveBudget) {
		ds.Log.Debug().Msg("drift scan skipped: no active budget")
		return nil
	}
	if err != nil {
		ds.Log.Error().Err(err).Msg("drift scan failed")
		return nil
	}

	ds.mu.Lock()
	ds.last = report
	ds.mu.Unlock()

	if report.Clean() {
		ds.Log.Debug().Str("envelope_id", report.EnvelopeID).Msg("drift scan clean")
		return report
	}
	for _, f := range report.Findings {
		ds.Log.Warn().
			Str("envelope_id", report.EnvelopeID).
			Str("kind", string(f.Kind)).
			Str("target_model", f.TargetModel).
			Str("target_id", f.TargetID).
			Stringer("amount", f.Amount).
			Msg(f.Message)
	}
	ds.Log.Warn().
		Str("envelope_id", report.EnvelopeID).
		Int("findings", len(report.Findings)).
		Stringer("double_booked", report.DoubleBooked).
		Stringer("available", report.Available).
		Msg("drift detected")
	return report
}

// Last returns the most recent report, or nil.
func (ds *DriftScanner) Last() *ledger.DriftReport {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.last
}
