// Package loader persists assembled records into a relational store. The
// engine itself never touches the database; everything behind this
// interface is the persistence collaborator's concern, including
// supersession of records seen in earlier runs.
package loader

import (
	"context"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/domain"
)

type Mode string

const (
	// ModeFull truncates the silver tables and reloads everything.
	ModeFull Mode = "FULL"
	// ModeUpsert inserts new trials and supersedes ones already present.
	ModeUpsert Mode = "UPSERT"
)

func (m Mode) Valid() bool { return m == ModeFull || m == ModeUpsert }

// Loader is the persistence port. LoadBatches must apply each document's
// batch atomically: a trial and its related rows land together or not at
// all.
type Loader interface {
	Connect(ctx context.Context) error
	PrepareSchema(ctx context.Context) error
	TruncateTables(ctx context.Context) error
	LoadBatches(ctx context.Context, batches []domain.RecordBatch, mode Mode) error
	Close() error
}
