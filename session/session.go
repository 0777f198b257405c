// Package session holds multipart upload session records and the store
// contract used to persist them between driver calls.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Strategy names the multipart coordination scheme a driver uses.
type Strategy string

// Multipart strategies.
const (
	// StrategyPerPartURL hands the client one presigned URL per part;
	// parts upload straight to provider storage.
	StrategyPerPartURL Strategy = "per_part_url"
	// StrategySingleSession keeps a single provider-side session; part
	// payloads are proxied through the driver.
	StrategySingleSession Strategy = "single_session"
	// StrategyProviderCommit stages parts and finalizes with a separate
	// provider commit call.
	StrategyProviderCommit Strategy = "provider_commit"
)

// Mode says how the provider wants the content transferred.
type Mode string

// Upload modes.
const (
	ModeBasic           Mode = "basic"
	ModeMultipart       Mode = "multipart"
	ModeAlreadyUploaded Mode = "already_uploaded"
)

// Status is the lifecycle state of a session.
type Status string

// Session statuses.
const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusAborted    Status = "aborted"
	StatusCompleted  Status = "completed"
)

// ErrNotFound is returned by Store.Get for unknown or expired sessions.
var ErrNotFound = errors.New("upload session not found")

// Record is one multipart upload session. ProviderMeta is an opaque
// driver-owned blob (eg LFS action payloads, provider session URLs) that
// the store round-trips without looking inside.
type Record struct {
	ID           string          `json:"id"`
	Backend      string          `json:"backend"`
	Path         string          `json:"path"`
	Strategy     Strategy        `json:"strategy"`
	Mode         Mode            `json:"mode"`
	Status       Status          `json:"status"`
	PartSize     int64           `json:"part_size,omitempty"`
	TotalSize    int64           `json:"total_size,omitempty"`
	TotalParts   int             `json:"total_parts,omitempty"`
	ProviderMeta json.RawMessage `json:"provider_meta,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// Expired reports whether the record has an expiry in the past.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists session records. Implementations must treat expired
// records as absent from Get and ListActive.
type Store interface {
	// Create persists a new record. The record's ID must be set.
	Create(ctx context.Context, rec *Record) error
	// Get fetches a record by id, returning ErrNotFound if absent or
	// expired.
	Get(ctx context.Context, id string) (*Record, error)
	// Update rewrites an existing record.
	Update(ctx context.Context, rec *Record) error
	// Delete removes a record. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, id string) error
	// ListActive returns records for backend that are neither completed
	// nor aborted nor expired. Empty backend means all backends.
	ListActive(ctx context.Context, backend string) ([]*Record, error)
}
