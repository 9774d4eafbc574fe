// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package offqueue is the durable FIFO of mutations captured while the
// device is offline or while an online push fails. Actions are persisted
// in the shared SQLite file and drained sequentially when connectivity
// returns, with bounded retry.
package offqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/remote"
)

// MaxRetryAttempts bounds how often one action is retried before it is
// permanently dropped (and logged).
const MaxRetryAttempts = 3

// Backoff bounds for re-attempting a drain that left failed actions
// queued. The delay doubles per attempt between these bounds and resets
// once the queue empties or connectivity flaps.
const (
	BackoffMin = 1 * time.Second
	BackoffMax = 60 * time.Second
)

// ActionType names the mutation intent an action carries.
type ActionType string

const (
	ActionCompleteTask  ActionType = "COMPLETE_TASK"
	ActionSaveMood      ActionType = "SAVE_MOOD"
	ActionLogWellness   ActionType = "LOG_WELLNESS"
	ActionUpdateProfile ActionType = "UPDATE_PROFILE"
	ActionUpsertRecord  ActionType = "UPSERT_RECORD"
)

// Action is one queued mutation. Payload is the wire-shape row delta the
// drain will upsert.
type Action struct {
	ID         string           `json:"id"`
	Type       ActionType       `json:"type"`
	Table      localstore.Table `json:"table"`
	RecordID   string           `json:"recordId"`
	Payload    json.RawMessage  `json:"payload"`
	Timestamp  int64            `json:"timestamp"`
	RetryCount int              `json:"retryCount"`
}

// Config holds construction options for the queue.
type Config struct {
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
	Logger     *slog.Logger
}

// Queue owns queued actions until they are successfully applied or
// permanently dropped. Draining is sequential, one action in flight at a
// time, to preserve per-user update ordering.
type Queue struct {
	db     *sql.DB
	store  *localstore.Store
	remote *remote.Client
	userID string
	logger *slog.Logger

	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	online     int32

	drainMu    sync.Mutex
	backoff    time.Duration // next drain retry delay; drainMu-guarded
	retryArmed int32
}

// New creates the queue over the store's database file and ensures its
// table exists.
func New(store *localstore.Store, rc *remote.Client, userID string, cfg *Config) (*Queue, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = MaxRetryAttempts
	}
	backoffMin := cfg.BackoffMin
	if backoffMin == 0 {
		backoffMin = BackoffMin
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = BackoffMax
	}
	q := &Queue{
		db:         store.DB(),
		store:      store,
		remote:     rc,
		userID:     userID,
		logger:     logger,
		maxRetries: maxRetries,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		backoff:    backoffMin,
	}
	_, err := q.db.Exec(`CREATE TABLE IF NOT EXISTS offline_queue (
		id          TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		table_name  TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		payload     TEXT,
		ts          INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		queued_at   INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline_queue: %w", err)
	}
	return q, nil
}

// newActionID builds a monotonic-ish id from the timestamp plus a random
// suffix.
func newActionID(ts int64) string {
	return fmt.Sprintf("%d-%s", ts, uuid.NewString()[:8])
}

// IsOnline reports the last known connectivity state.
func (q *Queue) IsOnline() bool { return atomic.LoadInt32(&q.online) == 1 }

// SetOnlineStatus records a connectivity transition. Going online
// auto-triggers a queue drain in the background.
func (q *Queue) SetOnlineStatus(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&q.online, next)
	if online && prev == 0 {
		q.drainMu.Lock()
		q.backoff = q.backoffMin
		q.drainMu.Unlock()
		go func() {
			if err := q.ProcessOfflineQueue(context.Background()); err != nil {
				q.logger.Error("offline queue drain failed", "error", err)
			}
		}()
	}
}

// QueueForSync appends a mutation to the queue. When the device is
// already online this is a no-op: the caller pushes directly instead.
func (q *Queue) QueueForSync(ctx context.Context, actionType ActionType, table localstore.Table, recordID string, payload remote.Row) error {
	if q.IsOnline() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal action payload: %w", err)
	}
	ts := time.Now().UnixMilli()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, action_type, table_name, record_id, payload, ts, retry_count, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, newActionID(ts), string(actionType), string(table), recordID, string(body), ts, ts)
	if err != nil {
		return fmt.Errorf("failed to queue action: %w", err)
	}
	return nil
}

// Actions returns the queued actions in FIFO order.
func (q *Queue) Actions(ctx context.Context) ([]Action, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, action_type, table_name, record_id, payload, ts, retry_count
		FROM offline_queue ORDER BY queued_at, ts, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline queue: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var actionType, tableName, payload string
		if err := rows.Scan(&a.ID, &actionType, &tableName, &a.RecordID, &payload, &a.Timestamp, &a.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Type = ActionType(actionType)
		a.Table = localstore.Table(tableName)
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offline queue: %w", err)
	}
	return n, nil
}

// ProcessOfflineQueue drains the queue in FIFO order, one action in
// flight at a time. Per-action failures drive retry/drop bookkeeping and
// never propagate to the caller; only a failure to read the queue itself
// returns an error.
func (q *Queue) ProcessOfflineQueue(ctx context.Context) error {
	if !q.IsOnline() {
		return nil
	}
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	actions, err := q.Actions(ctx)
	if err != nil {
		return err
	}
	for i := range actions {
		q.processAction(ctx, &actions[i])
	}

	n, err := q.Len(ctx)
	if err != nil {
		return err
	}
	if n == 0 || !q.IsOnline() {
		q.backoff = q.backoffMin
		return nil
	}
	q.scheduleRetry()
	return nil
}

// scheduleRetry arms one deferred re-drain for actions still queued
// after a pass, doubling the delay up to the backoff ceiling. Called
// under drainMu.
func (q *Queue) scheduleRetry() {
	if !atomic.CompareAndSwapInt32(&q.retryArmed, 0, 1) {
		return
	}
	delay := q.backoff
	q.backoff *= 2
	if q.backoff > q.backoffMax {
		q.backoff = q.backoffMax
	}
	q.logger.Info("actions remain queued; scheduling drain retry", "delay", delay)
	time.AfterFunc(delay, func() {
		atomic.StoreInt32(&q.retryArmed, 0)
		if err := q.ProcessOfflineQueue(context.Background()); err != nil {
			q.logger.Error("offline queue drain failed", "error", err)
		}
	})
}

func (q *Queue) processAction(ctx context.Context, a *Action) {
	var row remote.Row
	if err := json.Unmarshal(a.Payload, &row); err != nil {
		q.logger.Error("dropping action with unreadable payload",
			"action", a.ID, "table", a.Table, "error", err)
		q.remove(ctx, a.ID)
		return
	}

	_, err := q.remote.Upsert(ctx, string(a.Table), []remote.Row{row})
	if err == nil {
		q.remove(ctx, a.ID)
		if err := q.store.MarkSynced(ctx, a.Table, a.RecordID); err != nil {
			if !errors.Is(err, localstore.ErrNotFound) {
				q.logger.Warn("failed to mark record synced after drain",
					"table", a.Table, "id", a.RecordID, "error", err)
			}
		}
		return
	}

	a.RetryCount++
	if a.RetryCount >= q.maxRetries {
		// Never silently lost: the drop always leaves an error trace.
		q.logger.Error("dropping action after exhausting retries",
			"action", a.ID, "type", a.Type, "table", a.Table,
			"record", a.RecordID, "attempts", a.RetryCount, "error", err)
		q.remove(ctx, a.ID)
		return
	}

	// Re-queue at the tail with the bumped retry count.
	if _, uerr := q.db.ExecContext(ctx, `
		UPDATE offline_queue SET retry_count = ?, queued_at = ? WHERE id = ?
	`, a.RetryCount, time.Now().UnixMilli(), a.ID); uerr != nil {
		q.logger.Error("failed to update action retry count", "action", a.ID, "error", uerr)
	}
	q.logger.Warn("action push failed; re-queued",
		"action", a.ID, "table", a.Table, "retryCount", a.RetryCount, "error", err)
}

func (q *Queue) remove(ctx context.Context, id string) {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		q.logger.Error("failed to remove action from queue", "action", id, "error", err)
	}
}
