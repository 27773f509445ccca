// Package ledger persists an append-only record of executed tool
// calls. One record per ToolCall; readers get the most recent records
// for operator inspection.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"mcpgate/internal/domain"
)

const recordsBucketName = "records"

var ErrStoreClosed = errors.New("ledger store is closed")

// Record is the persisted shape of one executed tool call.
type Record struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	Tool       string          `json:"tool"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsError    bool            `json:"is_error"`
	Error      string          `json:"error,omitempty"`
	AgentID    string          `json:"agent_id"`
	UserID     string          `json:"user_id,omitempty"`
	CatalogID  string          `json:"catalog_item_id,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}

type Store struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	options := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(trimmed, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure ledger bucket: %w", err)
	}
	return &Store{db: db, path: trimmed}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Record appends one (call, result, metadata) record. Keys are the
// bucket sequence number, so iteration order is append order.
func (s *Store) Record(_ context.Context, call domain.ToolCall, result domain.ToolResult, meta domain.CallMetadata) error {
	record := Record{
		ID:         uuid.NewString(),
		CallID:     call.ID,
		Tool:       call.Name,
		Arguments:  call.Arguments,
		Content:    result.Content,
		IsError:    result.IsError,
		Error:      result.Error,
		AgentID:    meta.AgentID,
		UserID:     meta.UserID,
		CatalogID:  meta.CatalogItemID,
		InstanceID: meta.InstanceID,
		StartedAt:  meta.StartedAt.UTC(),
		DurationMS: meta.Duration.Milliseconds(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucketName))
		if bucket == nil {
			return fmt.Errorf("missing records bucket")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate record key: %w", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := bucket.Put(key[:], payload); err != nil {
			return fmt.Errorf("write ledger record: %w", err)
		}
		return nil
	})
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	var records []Record
	err := s.view(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucketName))
		if bucket == nil {
			return fmt.Errorf("missing records bucket")
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Last(); key != nil && len(records) < n; key, value = cursor.Prev() {
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode ledger record: %w", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

var _ domain.Ledger = (*Store)(nil)
