package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
)

// GCS stores objects under a prefix in one bucket. When
// STORAGE_EMULATOR_HOST is set the client talks to the emulator without
// credentials, matching how integration environments run.
type GCS struct {
	log    *logger.Logger
	client *gcs.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, log *logger.Logger, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs storage requires a bucket name")
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); host != "" {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		log:    log.With("component", "GCSStorage", "bucket", bucket),
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (g *GCS) object(key string) *gcs.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.fullKey(key))
}

func (g *GCS) fullKey(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (g *GCS) Write(ctx context.Context, key string, content []byte) error {
	w := g.object(key).NewWriter(ctx)
	w.ContentType = "text/html"
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", g.bucket, g.fullKey(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", g.bucket, g.fullKey(key), err)
	}
	return nil
}

func (g *GCS) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", g.bucket, g.fullKey(key), err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", g.bucket, g.fullKey(key), err)
	}
	return b, nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat gs://%s/%s: %w", g.bucket, g.fullKey(key), err)
}

func (g *GCS) List(ctx context.Context, suffix string) ([]Object, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: g.prefix})
	var out []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", g.bucket, g.prefix, err)
		}
		key := strings.TrimPrefix(strings.TrimPrefix(attrs.Name, g.prefix), "/")
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		out = append(out, Object{Key: key, ModTime: attrs.Updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
