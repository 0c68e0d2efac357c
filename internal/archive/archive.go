// Package archive keeps the raw detail payloads returned by the remote API,
// keyed by activity id. Writes are best-effort: the cache is correct without
// them, they exist for debugging and re-ingest.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotConfigured = errors.New("payload archive not configured")

type Store interface {
	StoreJSON(ctx context.Context, objectKey string, payload json.RawMessage) error
	LoadJSON(ctx context.Context, objectKey string) (json.RawMessage, error)
	DeleteObject(ctx context.Context, objectKey string) error
	Close() error
}

// ActivityKey is the object key for one activity's raw detail payload.
func ActivityKey(id int64) string {
	return fmt.Sprintf("activity-detail/%d.json", id)
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreJSON(_ context.Context, _ string, _ json.RawMessage) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadJSON(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) DeleteObject(_ context.Context, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
