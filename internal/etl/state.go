package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

const stateKey = "etl_state.json"

// RunState carries the incremental markers between runs: the high-water
// mark for delta crawls, the crawl cursor for page resume, and the silver
// watermark for skipping unchanged files.
type RunState struct {
	HighWaterMark   string    `json:"high_water_mark,omitempty"` // YYYY-MM-DD
	CrawlCursor     int       `json:"crawl_cursor,omitempty"`
	SilverWatermark time.Time `json:"silver_watermark,omitempty"`
}

// StateStore persists RunState as a JSON object in the same backend the
// bronze pages live in.
type StateStore struct {
	backend storage.Backend
}

func NewStateStore(backend storage.Backend) *StateStore {
	return &StateStore{backend: backend}
}

// Load returns the persisted state, or the zero state when none exists yet.
func (s *StateStore) Load(ctx context.Context) (RunState, error) {
	var st RunState
	ok, err := s.backend.Exists(ctx, stateKey)
	if err != nil {
		return st, fmt.Errorf("check state: %w", err)
	}
	if !ok {
		return st, nil
	}
	b, err := s.backend.Read(ctx, stateKey)
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *StateStore) Save(ctx context.Context, st RunState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.backend.Write(ctx, stateKey, b); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
