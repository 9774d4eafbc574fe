// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package storagemon tracks local storage capacity against a fixed
// quota, rejects writes past the hard limit, and runs best-effort
// pruning when the soft limit is crossed.
package storagemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bouncebackapp/go-bouncesync/localstore"
)

// Storage quota constants. Environment-independent by contract.
const (
	SoftLimit = 20 * 1024 * 1024 // bytes; crossing triggers pruning
	HardLimit = 25 * 1024 * 1024 // bytes; writes at or past this are rejected
)

// StorageLimitError is the hard-cap admission rejection. It carries the
// observed usage and the limit so callers can surface both.
type StorageLimitError struct {
	Used  int64
	Limit int64
}

func (e *StorageLimitError) Error() string {
	return fmt.Sprintf("storage limit reached: %d of %d bytes used", e.Used, e.Limit)
}

// Info is a capacity snapshot, recomputed on demand and after every
// admitted write.
type Info struct {
	UsedSpace      int64
	AvailableSpace int64
	TotalSpace     int64
	PercentUsed    float64
}

// Config holds construction options for the monitor.
type Config struct {
	SoftLimit int64
	HardLimit int64
	// UsedSpaceFn overrides how used space is measured. Defaults to the
	// store's database size. Tests mock this to hit the thresholds.
	UsedSpaceFn func(ctx context.Context) (int64, error)
	Logger      *slog.Logger
}

// DefaultConfig returns the fixed production quota.
func DefaultConfig() *Config {
	return &Config{SoftLimit: SoftLimit, HardLimit: HardLimit}
}

// Monitor implements localstore.WriteGuard: every store write passes
// through AdmitWrite first and reports back via WriteCompleted.
type Monitor struct {
	store  *localstore.Store
	logger *slog.Logger
	cfg    *Config

	mu        sync.Mutex
	listeners map[int]func(Info)
	nextID    int

	optimizing int32
}

// New creates a monitor over the store. The caller wires it back with
// store.SetGuard.
func New(store *localstore.Store, cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SoftLimit == 0 {
		cfg.SoftLimit = SoftLimit
	}
	if cfg.HardLimit == 0 {
		cfg.HardLimit = HardLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     store,
		logger:    logger,
		cfg:       cfg,
		listeners: make(map[int]func(Info)),
	}
}

func (m *Monitor) usedSpace(ctx context.Context) (int64, error) {
	if m.cfg.UsedSpaceFn != nil {
		return m.cfg.UsedSpaceFn(ctx)
	}
	return m.store.DatabaseSize(ctx)
}

// UsedSpace returns the bytes currently consumed by the local datastore.
func (m *Monitor) UsedSpace(ctx context.Context) (int64, error) {
	return m.usedSpace(ctx)
}

// TotalSpace returns the storage quota in bytes.
func (m *Monitor) TotalSpace() int64 { return m.cfg.HardLimit }

// AvailableSpace returns the bytes left before the hard limit.
func (m *Monitor) AvailableSpace(ctx context.Context) (int64, error) {
	used, err := m.usedSpace(ctx)
	if err != nil {
		return 0, err
	}
	if used >= m.cfg.HardLimit {
		return 0, nil
	}
	return m.cfg.HardLimit - used, nil
}

// StorageInfo returns the full capacity snapshot.
func (m *Monitor) StorageInfo(ctx context.Context) (Info, error) {
	used, err := m.usedSpace(ctx)
	if err != nil {
		return Info{}, err
	}
	return m.info(used), nil
}

func (m *Monitor) info(used int64) Info {
	avail := m.cfg.HardLimit - used
	if avail < 0 {
		avail = 0
	}
	return Info{
		UsedSpace:      used,
		AvailableSpace: avail,
		TotalSpace:     m.cfg.HardLimit,
		PercentUsed:    float64(used) / float64(m.cfg.HardLimit) * 100,
	}
}

// IsStorageLow reports whether usage has crossed the soft limit.
func (m *Monitor) IsStorageLow(ctx context.Context) (bool, error) {
	used, err := m.usedSpace(ctx)
	if err != nil {
		return false, err
	}
	return used >= m.cfg.SoftLimit, nil
}

// AdmitWrite is the admission-control gate. At or past the hard limit
// the write is rejected before being attempted. Crossing the soft limit
// kicks off an async pruning pass and notifies listeners without
// blocking the triggering write.
func (m *Monitor) AdmitWrite(ctx context.Context) error {
	used, err := m.usedSpace(ctx)
	if err != nil {
		// Monitoring failure must not wedge the app; admit and log.
		m.logger.Warn("failed to measure storage usage", "error", err)
		return nil
	}
	if used >= m.cfg.HardLimit {
		return &StorageLimitError{Used: used, Limit: m.cfg.HardLimit}
	}
	if used >= m.cfg.SoftLimit {
		m.notify(m.info(used))
		go func() {
			if err := m.OptimizeStorage(context.Background()); err != nil {
				m.logger.Error("storage optimization failed", "error", err)
			}
		}()
	}
	return nil
}

// WriteCompleted recomputes usage after an admitted write and notifies
// listeners of the fresh snapshot.
func (m *Monitor) WriteCompleted(ctx context.Context) {
	used, err := m.usedSpace(ctx)
	if err != nil {
		m.logger.Warn("failed to measure storage usage", "error", err)
		return
	}
	m.notify(m.info(used))
}

// OnStorageChange registers a capacity listener and returns its
// unsubscribe func. Callbacks run on the writer's goroutine and must be
// fast.
func (m *Monitor) OnStorageChange(cb func(Info)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) notify(info Info) {
	m.mu.Lock()
	cbs := make([]func(Info), 0, len(m.listeners))
	for _, cb := range m.listeners {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(info)
	}
}

// optimizeRunning reports whether a pruning pass is currently in flight.
// Exposed for tests that need to wait out the async pass.
func (m *Monitor) optimizeRunning() bool {
	return atomic.LoadInt32(&m.optimizing) == 1
}
