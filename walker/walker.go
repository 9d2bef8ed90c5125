// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/advmirror/advmirror/pkg/errs"
)

// DefaultWorkers is the default concurrency budget of a walk.
const DefaultWorkers = 4

// DefaultGrace is how long in-flight visitors may finish after
// the walk was cancelled.
const DefaultGrace = 30 * time.Second

// Stats aggregate the outcome of one walk.
type Stats struct {
	Seen      int
	Succeeded int
	Failed    int
	Skipped   int
}

func (s *Stats) add(o *Stats) {
	s.Seen += o.Seen
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Log writes the stats to the logger.
func (s *Stats) Log() {
	slog.Info("Walk finished",
		"seen", s.Seen,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped", s.Skipped)
}

// FatalError wraps an error which stops the dispatch of new
// references. In-flight visitors are drained, not aborted.
type FatalError struct {
	Err error
}

func (fe FatalError) Error() string { return fe.Err.Error() }

// Unwrap supports errors.Is/As.
func (fe FatalError) Unwrap() error { return fe.Err }

// Walker drives a source stream through a visitor with a bounded
// number of in-flight invocations.
type Walker struct {
	// Source produces the reference stream.
	Source *Source
	// Filter applies the differential sync semantics; nil
	// accepts every reference.
	Filter *ChangeFilter
	// Visitor consumes the accepted references.
	Visitor ReferenceVisitor
	// Workers is the concurrency budget N.
	Workers int
	// Grace bounds the drain time after cancellation.
	Grace time.Duration
	// Report observes the state transitions; may be nil.
	Report *Report

	statsMu sync.Mutex
	stats   Stats
}

func (w *Walker) addStats(o *Stats) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.add(o)
}

// Run enumerates the source and dispatches the references.
// It blocks until all pending invocations have drained. The
// returned stats count every reference seen; the error collects
// the per-document failures.
func (w *Walker) Run(ctx context.Context) (Stats, error) {
	workers := w.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	grace := w.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	var (
		refCh    = make(chan *DocumentReference)
		errorCh  = make(chan error)
		errDone  = make(chan struct{})
		allDone  = make(chan struct{})
		visitErr []error
		fatal    atomic.Bool
		wg       sync.WaitGroup
	)

	// The workers run on a context which survives the external
	// cancel for the grace window so that in-flight visitors can
	// finish cleanly.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()
	go func() {
		select {
		case <-ctx.Done():
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-t.C:
				workCancel()
			case <-allDone:
			}
		case <-allDone:
		}
	}()

	// Collect errors.
	go func() {
		defer close(errDone)
		for err := range errorCh {
			visitErr = append(visitErr, err)
		}
	}()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go w.worker(workCtx, &wg, refCh, errorCh, &fatal)
	}

	enumStats := Stats{}
	enumErr := w.Source.Enumerate(ctx, func(ref *DocumentReference) error {
		enumStats.Seen++
		if w.Report != nil {
			w.Report.Discovered(ref)
		}
		if fatal.Load() {
			return FatalError{Err: errors.New("walk aborted")}
		}
		if accept, localCurrent := w.Filter.Accept(ref); !accept {
			enumStats.Skipped++
			if w.Report != nil {
				if localCurrent {
					w.Report.Skipped(ref, "local copy is current")
				} else {
					w.Report.Skipped(ref, "outside requested time range")
				}
			}
			return nil
		}
		select {
		case refCh <- ref:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	close(refCh)
	wg.Wait()
	close(allDone)
	close(errorCh)
	<-errDone

	w.addStats(&enumStats)

	w.statsMu.Lock()
	stats := w.stats
	w.statsMu.Unlock()

	var err error
	switch {
	case enumErr != nil && !errors.Is(enumErr, context.Canceled):
		visitErr = append(visitErr, enumErr)
		err = &errs.CompositeErrFeed{Errs: visitErr}
	case len(visitErr) > 0:
		err = &errs.CompositeErrDownload{Errs: visitErr}
	}
	return stats, err
}

func (w *Walker) worker(
	ctx context.Context,
	wg *sync.WaitGroup,
	refs <-chan *DocumentReference,
	errorCh chan<- error,
	fatal *atomic.Bool,
) {
	defer wg.Done()

	stats := Stats{}
	defer w.addStats(&stats)

	for {
		var ref *DocumentReference
		var ok bool
		select {
		case ref, ok = <-refs:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		err := w.Visitor.VisitReference(ctx, ref)
		switch {
		case err == nil:
			stats.Succeeded++
		case errors.Is(err, errSkipped):
			stats.Skipped++
		default:
			stats.Failed++
			errorCh <- err
			if w.Report != nil {
				w.Report.Failed(ref, err)
			}
			var fe FatalError
			if errors.As(err, &fe) {
				fatal.Store(true)
			}
			slog.Error("Processing document failed",
				"url", ref.URL,
				"error", err)
		}
	}
}

// errSkipped signals that a visitor classified a reference as
// skipped, e.g. on a 304 response. Not an error for the stats.
var errSkipped = errors.New("skipped")

// SkipDocument returns the sentinel used by visitors to classify
// a reference as skipped.
func SkipDocument() error { return errSkipped }
