package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines + snapshot, Path is a file prefix
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ItemState is the last value posted to a target.
type ItemState struct {
	Target    string    `json:"target"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandRecord is one command delivered to a target.
type CommandRecord struct {
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	Value  string    `json:"value"`
	Source string    `json:"source,omitempty"`
}

// Store is the persistence API used by the item registry.
type Store interface {
	PutState(ctx context.Context, st ItemState) error
	GetState(ctx context.Context, target string) (ItemState, bool, error)
	AppendCommand(ctx context.Context, rec CommandRecord) error
	// RecentCommands returns up to limit commands for target, newest first.
	// An empty target matches every target.
	RecentCommands(ctx context.Context, target string, limit int) ([]CommandRecord, error)
	Close() error
}
