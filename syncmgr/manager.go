// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncmgr orchestrates reconciliation of the local store against
// the remote backend: per-table strategies, admission control, sync
// status, and conflict surfacing. Sync(ctx, userID) is the single entry
// point callers use.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bouncebackapp/go-bouncesync/fieldcrypt"
	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/offqueue"
	"github.com/bouncebackapp/go-bouncesync/remote"
	"github.com/bouncebackapp/go-bouncesync/storagemon"
)

// Status summarizes one table's reconciliation state.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// TableStatus is the per-table sync summary. Mutated only by the
// manager after each table-level attempt; read-only to callers.
type TableStatus struct {
	LastSyncedAt   int64 // epoch ms; 0 = never synced
	Status         Status
	PendingChanges int
}

// Conflict is an unresolved divergence between local and remote versions
// of the same record. The engine never auto-resolves these; the caller
// owns reconciliation.
type Conflict struct {
	ID     string
	Local  map[string]any
	Remote map[string]any
}

// Result is the aggregate outcome of one Sync call.
type Result struct {
	Success   bool
	Error     string
	Conflicts []Conflict
}

// Config holds construction options for the manager.
type Config struct {
	Logger *slog.Logger
}

// Manager wires the engine's services together. All dependencies are
// constructor-injected; there is no module-level state.
type Manager struct {
	store   *localstore.Store
	remote  *remote.Client
	cipher  *fieldcrypt.Cipher
	monitor *storagemon.Monitor
	queue   *offqueue.Queue
	logger  *slog.Logger

	syncMu sync.Mutex // one sync invocation at a time

	mu     sync.Mutex
	status map[localstore.Table]TableStatus
}

// New creates a sync manager. Every dependency is required; the cipher
// guards the budget table's sensitive fields.
func New(store *localstore.Store, rc *remote.Client, cipher *fieldcrypt.Cipher,
	monitor *storagemon.Monitor, queue *offqueue.Queue, cfg *Config) (*Manager, error) {
	if store == nil || rc == nil || cipher == nil || monitor == nil || queue == nil {
		return nil, errors.New("all sync manager dependencies must be provided")
	}
	logger := slog.Default()
	if cfg != nil && cfg.Logger != nil {
		logger = cfg.Logger
	}
	status := make(map[localstore.Table]TableStatus, len(localstore.Tables()))
	for _, spec := range localstore.Tables() {
		status[spec.Name] = TableStatus{Status: StatusPending}
	}
	return &Manager{
		store:   store,
		remote:  rc,
		cipher:  cipher,
		monitor: monitor,
		queue:   queue,
		logger:  logger,
		status:  status,
	}, nil
}

// Sync reconciles every table for the user. Offline returns an
// unsuccessful result immediately with no partial work. A hard storage
// limit is fatal for the whole attempt and surfaces as an error before
// any table is touched. Per-table failures are absorbed into that
// table's status; remaining tables still run.
func (m *Manager) Sync(ctx context.Context, userID string) (*Result, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if !m.queue.IsOnline() {
		return &Result{Success: false, Error: "offline"}, nil
	}
	if err := m.monitor.AdmitWrite(ctx); err != nil {
		return nil, fmt.Errorf("sync admission rejected: %w", err)
	}

	result := &Result{Success: true}
	var tableErrs []string
	now := time.Now().UnixMilli()

	for _, spec := range localstore.Tables() {
		spec := spec
		conflicts, err := m.syncTable(ctx, &spec, userID)
		result.Conflicts = append(result.Conflicts, conflicts...)

		pendingCount, countErr := m.store.CountPending(ctx, spec.Name, userID)
		if countErr != nil {
			m.logger.Warn("failed to count pending rows", "table", spec.Name, "error", countErr)
		}

		ts := TableStatus{PendingChanges: pendingCount}
		switch {
		case err != nil:
			ts.Status = StatusError
			ts.LastSyncedAt = m.lastSyncedAt(spec.Name)
			tableErrs = append(tableErrs, fmt.Sprintf("%s: %v", spec.Name, err))
			m.logger.Error("table sync failed", "table", spec.Name, "error", err)
		case len(conflicts) > 0:
			ts.Status = StatusPending
			ts.LastSyncedAt = now
		default:
			ts.Status = StatusSynced
			ts.LastSyncedAt = now
		}
		m.setStatus(spec.Name, ts)
	}

	if len(tableErrs) > 0 {
		result.Success = false
		result.Error = strings.Join(tableErrs, "; ")
	}
	return result, nil
}

func (m *Manager) lastSyncedAt(table localstore.Table) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[table].LastSyncedAt
}

func (m *Manager) setStatus(table localstore.Table, ts TableStatus) {
	m.mu.Lock()
	m.status[table] = ts
	m.mu.Unlock()
}

// SyncStatus returns a copy of the per-table sync summaries.
func (m *Manager) SyncStatus() map[localstore.Table]TableStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[localstore.Table]TableStatus, len(m.status))
	for table, ts := range m.status {
		out[table] = ts
	}
	return out
}

// actionTypes gives queued mutations their table-specific names.
var actionTypes = map[localstore.Table]offqueue.ActionType{
	localstore.TableBouncePlanTasks:    offqueue.ActionCompleteTask,
	localstore.TableMoodEntries:        offqueue.ActionSaveMood,
	localstore.TableWellnessActivities: offqueue.ActionLogWellness,
	localstore.TableProfiles:           offqueue.ActionUpdateProfile,
}

// QueueForSync captures a mutation for later replay. The record is
// mapped to wire shape (sensitive fields encrypted) before it enters the
// queue, so drained payloads go out exactly as a live push would.
func (m *Manager) QueueForSync(ctx context.Context, table localstore.Table, rec *localstore.Record) error {
	spec, err := localstore.Spec(table)
	if err != nil {
		return err
	}
	row, err := m.mapLocalToRemote(spec, rec)
	if err != nil {
		return err
	}
	actionType, ok := actionTypes[table]
	if !ok {
		actionType = offqueue.ActionUpsertRecord
	}
	return m.queue.QueueForSync(ctx, actionType, table, rec.ID, row)
}

// SetOnlineStatus feeds a connectivity transition to the offline queue.
func (m *Manager) SetOnlineStatus(online bool) {
	m.queue.SetOnlineStatus(online)
}

// OfflineQueue returns the queued actions in FIFO order.
func (m *Manager) OfflineQueue(ctx context.Context) ([]offqueue.Action, error) {
	return m.queue.Actions(ctx)
}

// CleanOldData runs the retention pruning pass.
func (m *Manager) CleanOldData(ctx context.Context) error {
	return m.monitor.CleanOldData(ctx)
}

// DatabaseSize reports the local datastore size in bytes.
func (m *Manager) DatabaseSize(ctx context.Context) (int64, error) {
	return m.store.DatabaseSize(ctx)
}
