package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

var (
	// ErrNotFound is returned when no record exists under the given key.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Insert when the id is already stored.
	ErrExists = errors.New("record already exists")
	// ErrInvalidRecord is returned for records without a usable id or kind.
	ErrInvalidRecord = errors.New("invalid record")
)

// PlacementSuffix marks the kinds the central node uses to remember which
// fragment owns a record.
const PlacementSuffix = "_placements"

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Record is one row of a replicated table. ID, Kind, CreatedAt and
// OriginNode never change once the record is first accepted.
type Record struct {
	CreatedAt  time.Time       `json:"created_at" msgpack:"created_at"`
	UpdatedAt  *time.Time      `json:"updated_at" msgpack:"updated_at"`
	ID         string          `json:"id" msgpack:"id"`
	Kind       string          `json:"kind" msgpack:"kind"`
	OriginNode string          `json:"origin_node" msgpack:"origin_node"`
	Payload    json.RawMessage `json:"payload" msgpack:"payload"`
}

// Validate checks the fields every backend keys on.
func (r Record) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("%w: id %q: %v", ErrInvalidRecord, r.ID, err)
	}
	if !kindPattern.MatchString(r.Kind) {
		return fmt.Errorf("%w: kind %q", ErrInvalidRecord, r.Kind)
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias stored payloads.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// PlacementKind returns the kind under which placements of kind are kept.
func PlacementKind(kind string) string {
	return kind + PlacementSuffix
}

// IsPlacementKind reports whether kind holds placements.
func IsPlacementKind(kind string) bool {
	return strings.HasSuffix(kind, PlacementSuffix)
}

// Store is the durable record table consumed by the cluster layer.
// All implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a new record. Returns ErrExists if the id is taken.
	Insert(ctx context.Context, rec Record) error

	// InsertIfAbsent stores rec unless its id already exists, in which
	// case nothing changes and inserted is false. This is the merge
	// operation used by replication.
	InsertIfAbsent(ctx context.Context, rec Record) (inserted bool, err error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, kind, id string) (Record, error)

	// List returns up to limit records of kind, newest first.
	List(ctx context.Context, kind string, limit int) ([]Record, error)

	// Count returns the number of records of kind.
	Count(ctx context.Context, kind string) (int, error)

	// Close releases the backend.
	Close() error
}

// SortNewest orders records by CreatedAt descending, ties broken by id.
func SortNewest(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func truncate(records []Record, limit int) []Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
