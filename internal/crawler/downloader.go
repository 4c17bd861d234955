package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

// defaultCountryPriority is the jurisdiction fallback order: the "3rd"
// (third-country) view first, then GB, then DE.
var defaultCountryPriority = []string{"3rd", "GB", "DE"}

// Downloader fetches full protocol pages for harvested identifiers and
// writes them to bronze storage as "<eudract>.html" with a ".meta" sidecar
// recording provenance and a content hash.
type Downloader struct {
	log       *logger.Logger
	client    *http.Client
	limiter   *rate.Limiter
	backend   storage.Backend
	baseURL   string
	countries []string
}

func NewDownloader(log *logger.Logger, backend storage.Backend, requestsPerSecond float64, countryPriority []string) *Downloader {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if len(countryPriority) == 0 {
		countryPriority = defaultCountryPriority
	}
	return &Downloader{
		log:       log.With("component", "Downloader"),
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		backend:   backend,
		baseURL:   defaultBaseURL,
		countries: countryPriority,
	}
}

func (d *Downloader) WithBaseURL(u string) *Downloader {
	d.baseURL = strings.TrimRight(u, "/")
	return d
}

// DownloadTrial fetches one protocol page, trying jurisdictions in priority
// order. Unchanged content (by hash) is not rewritten. Returns true when
// the page ended up (or already was) in storage.
func (d *Downloader) DownloadTrial(ctx context.Context, eudractNumber string) (bool, error) {
	log := d.log.With("eudract_number", eudractNumber)

	for _, country := range d.countries {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, err
		}
		url := fmt.Sprintf("%s/trial/%s/%s", d.baseURL, eudractNumber, country)
		log.Debug("Attempting protocol download", "country", country, "url", url)

		status, body, err := getWithRetry(ctx, d.client, url, maxAttempts)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn("Protocol fetch failed", "country", country, "error", err)
			continue
		}
		if status == http.StatusNotFound {
			log.Debug("Trial not published for jurisdiction", "country", country)
			continue
		}
		if status != http.StatusOK {
			log.Warn("Protocol fetch returned non-OK status", "country", country, "status", status)
			continue
		}
		if strings.TrimSpace(string(body)) == "" {
			log.Warn("Protocol page body empty", "country", country)
			continue
		}

		if err := d.save(ctx, eudractNumber, country, url, body); err != nil {
			return false, err
		}
		log.Info("Protocol downloaded", "country", country, "bytes", len(body))
		return true, nil
	}

	log.Error("Failed to download trial from any jurisdiction")
	return false, nil
}

func (d *Downloader) save(ctx context.Context, eudractNumber, country, url string, body []byte) error {
	key := eudractNumber + ".html"
	metaKey := eudractNumber + ".meta"

	sum := sha256.Sum256(body)
	newHash := hex.EncodeToString(sum[:])

	// unchanged content keeps its mtime so incremental silver runs can
	// skip it; only the sidecar records that we checked
	if prev, err := d.backend.Read(ctx, metaKey); err == nil {
		if parseMetaHash(string(prev)) == newHash {
			d.log.Debug("Content unchanged, skipping rewrite", "key", key)
			return d.writeMeta(ctx, metaKey, country, url, newHash)
		}
	}

	if err := d.backend.Write(ctx, key, body); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return d.writeMeta(ctx, metaKey, country, url, newHash)
}

func (d *Downloader) writeMeta(ctx context.Context, metaKey, country, url, hash string) error {
	meta := fmt.Sprintf("source_country=%s\nurl=%s\ndownloaded_at=%d\nhash=%s\n",
		country, url, time.Now().Unix(), hash)
	if err := d.backend.Write(ctx, metaKey, []byte(meta)); err != nil {
		return fmt.Errorf("store %s: %w", metaKey, err)
	}
	return nil
}

func parseMetaHash(meta string) string {
	for _, line := range strings.Split(meta, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == "hash" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SourceURL reconstructs the provenance string recorded in a trial's meta
// sidecar; the silver run passes it through into the core record untouched.
func SourceURL(meta string) string {
	for _, line := range strings.Split(meta, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == "url" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
