package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one delivery attempt. Keep it compact and schema-stable.
type Entry struct {
	At    time.Time `json:"at"`
	Job   string    `json:"job"`
	Build int       `json:"build"`
	Event string    `json:"event"`
	Site  string    `json:"site"`
	Room  string    `json:"room"`
	Step  string    `json:"step"`
	Code  int       `json:"code"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}
