package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/crawler"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/assembler"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/loader"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

type SilverConfig struct {
	Mode    loader.Mode
	Workers int
	// Full disables the incremental watermark and reprocesses every file.
	Full bool
}

// SilverSummary is the per-run tally. Every skipped-or-failed document has
// a corresponding diagnostic; nothing is dropped silently.
type SilverSummary struct {
	Files       int
	Skipped     int
	Emitted     int
	Rejected    int
	Malformed   int
	Diagnostics []domain.Diagnostic
}

// RunSilver lists bronze pages, assembles them across a worker pool, and
// hands the batches to the loader. Documents are independent units of
// work: one document's failure never aborts the run, and cancellation is
// honored between documents only.
func RunSilver(ctx context.Context, log *logger.Logger, backend storage.Backend, asm *assembler.Assembler, ld loader.Loader, cfg SilverConfig) (*SilverSummary, error) {
	log = log.With("component", "SilverRun")
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("mode must be FULL or UPSERT, got %q", cfg.Mode)
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}

	states := NewStateStore(backend)
	st, err := states.Load(ctx)
	if err != nil {
		return nil, err
	}

	objects, err := backend.List(ctx, ".html")
	if err != nil {
		return nil, fmt.Errorf("list bronze pages: %w", err)
	}

	runStarted := time.Now().UTC()
	sum := &SilverSummary{Files: len(objects)}
	log.Info("Silver run starting", "files", len(objects), "mode", string(cfg.Mode), "workers", workers)

	var (
		mu      sync.Mutex
		batches []domain.RecordBatch
	)
	collect := func(res assembler.Result) {
		// one atomic append per document; a document's records are
		// never interleaved with another's
		mu.Lock()
		defer mu.Unlock()
		switch res.State {
		case assembler.StateEmitted:
			batches = append(batches, *res.Batch)
			sum.Emitted++
			sum.Diagnostics = append(sum.Diagnostics, res.Batch.Warnings...)
		case assembler.StateRejected:
			sum.Rejected++
			sum.Diagnostics = append(sum.Diagnostics, *res.Rejection)
		}
	}
	malformed := func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sum.Malformed++
		sum.Diagnostics = append(sum.Diagnostics, domain.Diagnostic{
			SourceKey: key,
			Kind:      domain.DiagMalformedDocument,
			Detail:    err.Error(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, obj := range objects {
		if !cfg.Full && !st.SilverWatermark.IsZero() && !obj.ModTime.After(st.SilverWatermark) {
			sum.Skipped++
			continue
		}
		o := obj
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// in-flight documents always finish; the pool stops
			// picking up new ones once the context is gone
			if gctx.Err() != nil {
				return nil
			}
			content, err := backend.Read(gctx, o.Key)
			if err != nil {
				malformed(o.Key, err)
				return nil
			}
			res, err := asm.Assemble(string(content), o.Key, sourceURLFor(gctx, backend, o.Key))
			if err != nil {
				if errors.Is(err, htmldoc.ErrMalformedDocument) {
					malformed(o.Key, err)
					return nil
				}
				return err
			}
			collect(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	if len(batches) > 0 {
		if err := ld.Connect(ctx); err != nil {
			return sum, err
		}
		defer ld.Close()
		if err := ld.PrepareSchema(ctx); err != nil {
			return sum, err
		}
		if cfg.Mode == loader.ModeFull {
			if err := ld.TruncateTables(ctx); err != nil {
				return sum, err
			}
		}
		if err := ld.LoadBatches(ctx, batches, cfg.Mode); err != nil {
			return sum, err
		}
	}

	st.SilverWatermark = runStarted
	if err := states.Save(ctx, st); err != nil {
		return sum, err
	}

	log.Info("Silver run complete",
		"files", sum.Files,
		"skipped", sum.Skipped,
		"emitted", sum.Emitted,
		"rejected", sum.Rejected,
		"malformed", sum.Malformed,
		"diagnostics", len(sum.Diagnostics),
	)
	return sum, nil
}

// sourceURLFor recovers the provenance URL from the page's meta sidecar
// when the downloader wrote one, and falls back to a file-style marker.
// The value is passed through into the core record, never parsed.
func sourceURLFor(ctx context.Context, backend storage.Backend, key string) string {
	metaKey := strings.TrimSuffix(key, ".html") + ".meta"
	if ok, _ := backend.Exists(ctx, metaKey); ok {
		if b, err := backend.Read(ctx, metaKey); err == nil {
			if u := crawler.SourceURL(string(b)); u != "" {
				return u
			}
		}
	}
	return "file://" + key
}
