// Package etl drives batch runs: bronze (harvest and download raw pages)
// and silver (parse, assemble, load).
package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/crawler"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

const idsKey = "ids.csv"

type BronzeConfig struct {
	StartPage int
	MaxPages  int
	// IgnoreHWM forces a full re-crawl, discarding the delta window and
	// the saved page cursor.
	IgnoreHWM bool
}

type BronzeSummary struct {
	Harvested  int
	Downloaded int
	Failed     int
}

// RunBronze executes crawl -> deduplicate -> download. Harvested ids are
// appended to an intermediate ids.csv in the backend so an interrupted run
// loses nothing; the high-water mark only advances when the search results
// actually exposed entry dates.
func RunBronze(ctx context.Context, log *logger.Logger, backend storage.Backend, cr *crawler.Crawler, dl *crawler.Downloader, cfg BronzeConfig) (*BronzeSummary, error) {
	log = log.With("component", "BronzeRun")
	states := NewStateStore(backend)

	st, err := states.Load(ctx)
	if err != nil {
		return nil, err
	}

	dateFrom := ""
	if !cfg.IgnoreHWM && st.HighWaterMark != "" {
		dateFrom = st.HighWaterMark
		log.Info("Performing delta crawl", "date_from", dateFrom)
	} else if cfg.IgnoreHWM {
		log.Info("Performing full re-crawl (ignoring high-water mark)")
	} else {
		log.Info("Performing full crawl (no high-water mark found)")
	}

	startPage := cfg.StartPage
	if !cfg.IgnoreHWM && startPage <= 1 && st.CrawlCursor > 0 {
		startPage = st.CrawlCursor + 1
		log.Info("Resuming crawl from saved cursor", "start_page", startPage)
	}
	if startPage < 1 {
		startPage = 1
	}

	var maxDateSeen *time.Time
	err = cr.HarvestIDs(ctx, startPage, cfg.MaxPages, dateFrom, func(page int, items []crawler.Harvested) error {
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.EudractNumber)
			if it.EnteredDate != nil && (maxDateSeen == nil || it.EnteredDate.After(*maxDateSeen)) {
				maxDateSeen = it.EnteredDate
			}
		}
		if err := appendIDs(ctx, backend, ids); err != nil {
			return err
		}
		st.CrawlCursor = page
		return states.Save(ctx, st)
	})
	if err != nil {
		return nil, fmt.Errorf("harvest: %w", err)
	}

	uniqueIDs, err := readUniqueIDs(ctx, backend)
	if err != nil {
		return nil, err
	}
	log.Info("Unique trials to download", "count", len(uniqueIDs))

	sum := &BronzeSummary{Harvested: len(uniqueIDs)}
	for _, id := range uniqueIDs {
		// cancellation is honored between trials, never mid-download
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		ok, err := dl.DownloadTrial(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			log.Error("Download failed", "eudract_number", id, "error", err)
			sum.Failed++
			continue
		}
		if ok {
			sum.Downloaded++
		} else {
			sum.Failed++
		}
	}

	if maxDateSeen != nil {
		st.HighWaterMark = maxDateSeen.Format("2006-01-02")
		log.Info("Updating high-water mark", "high_water_mark", st.HighWaterMark)
		if err := states.Save(ctx, st); err != nil {
			return sum, err
		}
	} else if len(uniqueIDs) > 0 {
		log.Warn("No entry dates in search results, high-water mark not updated")
	}

	log.Info("Bronze run complete", "downloaded", sum.Downloaded, "failed", sum.Failed, "harvested", sum.Harvested)
	return sum, nil
}

func appendIDs(ctx context.Context, backend storage.Backend, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var existing string
	if ok, _ := backend.Exists(ctx, idsKey); ok {
		b, err := backend.Read(ctx, idsKey)
		if err != nil {
			return fmt.Errorf("read %s: %w", idsKey, err)
		}
		existing = string(b)
	}
	var b strings.Builder
	b.WriteString(existing)
	for _, id := range ids {
		b.WriteString(id)
		b.WriteString("\n")
	}
	return backend.Write(ctx, idsKey, []byte(b.String()))
}

func readUniqueIDs(ctx context.Context, backend storage.Backend) ([]string, error) {
	ok, err := backend.Exists(ctx, idsKey)
	if err != nil || !ok {
		return nil, err
	}
	b, err := backend.Read(ctx, idsKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", idsKey, err)
	}
	seen := map[string]bool{}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		id := strings.TrimSpace(line)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
