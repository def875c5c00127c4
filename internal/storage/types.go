package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// DefaultRetain is the number of run records kept when Config.Retain is 0.
const DefaultRetain = 1000

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds how many records are kept. 0 means DefaultRetain, <0 keeps everything.
	Retain int
}

func (c Config) retain() int {
	if c.Retain == 0 {
		return DefaultRetain
	}
	return c.Retain
}

// RunRecord describes one finished workload run.
// Keep it compact and schema-stable.
type RunRecord struct {
	Name        string        `json:"name"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	Iterations  int           `json:"iterations"`
	Increments  int           `json:"increments"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Error       string        `json:"error,omitempty"`
	Total       time.Duration `json:"total_ns"`
	MaxIncr     time.Duration `json:"max_increment_ns"`
	MeanIncr    time.Duration `json:"mean_increment_ns"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty name matches all.
	RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error)
	Close() error
}
