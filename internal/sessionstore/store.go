// Package sessionstore records live toolchain sessions so that a different
// process can find and clean them up.
package sessionstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Store persists session records.
type Store interface {
	Init() error
	Close() error

	Record(s Session) error
	Get(id string) (*Session, error)
	List() ([]Session, error)
	Remove(id string) error
}

// Session is one recorded session.
type Session struct {
	ID        string    `json:"id"`
	Network   string    `json:"network"`
	ProxyURL  string    `json:"proxy_url"`
	SocketDir string    `json:"socket_dir,omitempty"`
	Workspace string    `json:"workspace"`
	PID       int       `json:"pid"`
	Sidecars  []Sidecar `json:"sidecars"`
	StartedAt time.Time `json:"started_at"`
}

// Sidecar is one recorded sidecar container.
type Sidecar struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
}
