package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

func newDownloaderFixture(t *testing.T, handler http.Handler) (*Downloader, *storage.Local) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	d := NewDownloader(testLogger(t), backend, 1000, nil).WithBaseURL(srv.URL)
	return d, backend
}

func TestDownloadTrialCountryFallback(t *testing.T) {
	const id = "2011-005696-17"
	d, backend := newDownloaderFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// published only under the GB jurisdiction
		if strings.HasSuffix(r.URL.Path, "/"+id+"/GB") {
			w.Write([]byte("<html>protocol</html>"))
			return
		}
		http.NotFound(w, r)
	}))

	ok, err := d.DownloadTrial(context.Background(), id)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !ok {
		t.Fatalf("download: want=true")
	}

	ctx := context.Background()
	body, err := backend.Read(ctx, id+".html")
	if err != nil {
		t.Fatalf("read stored page: %v", err)
	}
	if string(body) != "<html>protocol</html>" {
		t.Fatalf("stored page: got=%q", body)
	}

	meta, err := backend.Read(ctx, id+".meta")
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !strings.Contains(string(meta), "source_country=GB") {
		t.Fatalf("meta must record the serving jurisdiction: %q", meta)
	}
	if !strings.Contains(SourceURL(string(meta)), "/"+id+"/GB") {
		t.Fatalf("meta url: got=%q", SourceURL(string(meta)))
	}
}

func TestDownloadTrialAllJurisdictionsMissing(t *testing.T) {
	d, backend := newDownloaderFixture(t, http.HandlerFunc(http.NotFound))

	ok, err := d.DownloadTrial(context.Background(), "2011-000000-00")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if ok {
		t.Fatalf("download: want=false when no jurisdiction publishes the trial")
	}
	exists, err := backend.Exists(context.Background(), "2011-000000-00.html")
	if err != nil || exists {
		t.Fatalf("nothing must be stored: exists=%v err=%v", exists, err)
	}
}

func TestDownloadTrialUnchangedContentNotRewritten(t *testing.T) {
	const id = "2011-111111-11"
	d, backend := newDownloaderFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stable content"))
	}))
	ctx := context.Background()

	if ok, err := d.DownloadTrial(ctx, id); err != nil || !ok {
		t.Fatalf("first download: ok=%v err=%v", ok, err)
	}

	// tamper with the stored page; an unchanged upstream hash must skip
	// the rewrite and leave the tampered file alone
	if err := backend.Write(ctx, id+".html", []byte("local edit")); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if ok, err := d.DownloadTrial(ctx, id); err != nil || !ok {
		t.Fatalf("second download: ok=%v err=%v", ok, err)
	}
	body, err := backend.Read(ctx, id+".html")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "local edit" {
		t.Fatalf("unchanged content must not be rewritten, got=%q", body)
	}
}

func TestDownloadTrialChangedContentRewritten(t *testing.T) {
	const id = "2011-222222-22"
	version := "v1"
	d, backend := newDownloaderFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(version))
	}))
	ctx := context.Background()

	if ok, err := d.DownloadTrial(ctx, id); err != nil || !ok {
		t.Fatalf("first download: ok=%v err=%v", ok, err)
	}
	version = "v2"
	if ok, err := d.DownloadTrial(ctx, id); err != nil || !ok {
		t.Fatalf("second download: ok=%v err=%v", ok, err)
	}
	body, err := backend.Read(ctx, id+".html")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "v2" {
		t.Fatalf("changed content must be rewritten, got=%q", body)
	}
}
