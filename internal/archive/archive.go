package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/kloop/internal/events"
)

// Destination is the interface for an archive target (S3, local file).
type Destination interface {
	// Write replaces the stored transcript with the JSONL payload.
	Write(ctx context.Context, data []byte) error
}

// Archiver snapshots a run's event buffer to one or more destinations,
// periodically while the run is live and once more when it stops.
type Archiver struct {
	buf          *events.Buffer
	runID        string
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates an archiver for runID. An interval of zero disables
// periodic snapshots; Flush and Stop still write.
func NewArchiver(buf *events.Buffer, runID string, destinations []Destination, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		buf:          buf,
		runID:        runID,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
	}
}

// Start begins periodic snapshots.
func (a *Archiver) Start() {
	if a.interval <= 0 || len(a.destinations) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = a.Flush(ctx)
			}
		}
	}()
}

// Stop ends periodic snapshots, waits for one in flight, and writes the
// final transcript.
func (a *Archiver) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.Flush(ctx)
}

// Flush exports the buffer and writes it to every destination. A failing
// destination does not prevent the others from being written.
func (a *Archiver) Flush(ctx context.Context) error {
	if len(a.destinations) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := ExportJSONL(&buf, a.runID, a.buf.Logs(), a.buf.Output()); err != nil {
		a.logger.Error("archive export failed", "err", err)
		return err
	}
	data := buf.Bytes()

	var errs []error
	for _, dest := range a.destinations {
		if err := dest.Write(ctx, data); err != nil {
			a.logger.Error("archive destination write failed", "destination", fmt.Sprint(dest), "err", err)
			errs = append(errs, err)
		}
	}
	a.logger.Debug("archive written", "run", a.runID, "destinations", len(a.destinations), "bytes", len(data))
	return errors.Join(errs...)
}
