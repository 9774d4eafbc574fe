// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/bouncebackapp/go-bouncesync/fieldcrypt"
	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/remote"
)

// Strategy selects how one table reconciles local and remote state.
type Strategy string

const (
	// StrategyPush only moves local rows outward; remote state is never
	// pulled back. Used for append-mostly, device-authoritative tables.
	StrategyPush Strategy = "push"
	// StrategyLastWriteWins reconciles bidirectionally by updated_at,
	// strictly-newer side winning, ties favoring the already-synced side.
	StrategyLastWriteWins Strategy = "lww"
	// StrategyEncrypted is last-write-wins with sensitive fields passed
	// through the field cipher at the wire boundary.
	StrategyEncrypted Strategy = "encrypted"
	// StrategyMerge merges one-sided rows and surfaces same-createdAt,
	// divergent-content pairs as conflicts instead of resolving them.
	StrategyMerge Strategy = "merge"
)

// uploadBatchLimit caps how many rows one upsert request carries.
const uploadBatchLimit = 200

var tableStrategies = map[localstore.Table]Strategy{
	localstore.TableBouncePlanTasks:    StrategyPush,
	localstore.TableMoodEntries:        StrategyPush,
	localstore.TableWellnessActivities: StrategyPush,
	localstore.TableProfiles:           StrategyLastWriteWins,
	localstore.TableLayoffDetails:      StrategyLastWriteWins,
	localstore.TableUserGoals:          StrategyLastWriteWins,
	localstore.TableJobApplications:    StrategyLastWriteWins,
	localstore.TableBudgetEntries:      StrategyEncrypted,
	localstore.TableCoachConversations: StrategyMerge,
}

// StrategyFor returns the reconciliation strategy assigned to a table.
func StrategyFor(table localstore.Table) (Strategy, error) {
	s, ok := tableStrategies[table]
	if !ok {
		return "", fmt.Errorf("no strategy registered for table %q", table)
	}
	return s, nil
}

// syncTable dispatches one table to its strategy and returns any
// conflicts it surfaced.
func (m *Manager) syncTable(ctx context.Context, spec *localstore.TableSpec, userID string) ([]Conflict, error) {
	strategy, err := StrategyFor(spec.Name)
	if err != nil {
		return nil, err
	}
	switch strategy {
	case StrategyPush:
		return nil, m.syncPush(ctx, spec, userID)
	case StrategyLastWriteWins, StrategyEncrypted:
		return nil, m.syncLastWriteWins(ctx, spec, userID)
	case StrategyMerge:
		return m.syncMerge(ctx, spec, userID)
	default:
		return nil, fmt.Errorf("unhandled strategy %q", strategy)
	}
}

// syncPush pushes all pending local rows in one batched upsert. On
// success they are marked synced; on failure they stay pending for the
// next cycle. Remote state is never pulled back.
func (m *Manager) syncPush(ctx context.Context, spec *localstore.TableSpec, userID string) error {
	if err := m.store.RequeueFailed(ctx, spec.Name, userID); err != nil {
		return err
	}
	pending, err := m.store.NeedsSync(ctx, spec.Name, userID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	rows := make([]remote.Row, 0, len(pending))
	for i := range pending {
		row, err := m.mapLocalToRemote(spec, &pending[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := m.upsertBatches(ctx, spec.Name, rows); err != nil {
		return err
	}
	return m.store.WithTx(ctx, func(tx *localstore.Tx) error {
		for i := range pending {
			if err := tx.MarkSynced(spec.Name, pending[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncLastWriteWins reconciles bidirectionally: strictly-newer remote
// rows overwrite local, strictly-newer (or remote-absent) local rows are
// pushed, equal timestamps are a no-op. A record existing on exactly one
// side is normal, not an error. All local writes land in one
// transaction after the remote calls succeed.
func (m *Manager) syncLastWriteWins(ctx context.Context, spec *localstore.TableSpec, userID string) error {
	if err := m.store.RequeueFailed(ctx, spec.Name, userID); err != nil {
		return err
	}
	local, err := m.store.Get(ctx, spec.Name, localstore.NewQuery().Eq("userId", userID))
	if err != nil {
		return err
	}
	remoteRows, err := m.remote.Select(ctx, string(spec.Name), userID)
	if err != nil {
		return err
	}

	localByID := make(map[string]*localstore.Record, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}
	remoteByID := make(map[string]remote.Row, len(remoteRows))
	for _, row := range remoteRows {
		if id, ok := row["id"].(string); ok {
			remoteByID[id] = row
		}
	}

	var applies []localstore.Record
	for id, row := range remoteByID {
		lr, exists := localByID[id]
		if exists && remoteUpdatedAt(row) <= lr.UpdatedAt {
			continue
		}
		rec, err := m.mapRemoteToLocal(spec, row)
		if err != nil {
			var decErr *fieldcrypt.DecryptionError
			if errors.As(err, &decErr) {
				// One undecryptable row must not abort the batch; it is
				// skipped and retried on the next sync.
				m.logger.Warn("skipping pulled row that failed to decrypt",
					"table", spec.Name, "id", id, "error", err)
				continue
			}
			return err
		}
		applies = append(applies, rec)
	}

	var pushes []*localstore.Record
	for i := range local {
		lr := &local[i]
		row, exists := remoteByID[lr.ID]
		if !exists || lr.UpdatedAt > remoteUpdatedAt(row) {
			pushes = append(pushes, lr)
		}
	}

	if len(pushes) > 0 {
		rows := make([]remote.Row, 0, len(pushes))
		for _, lr := range pushes {
			row, err := m.mapLocalToRemote(spec, lr)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		if err := m.upsertBatches(ctx, spec.Name, rows); err != nil {
			return err
		}
	}

	if len(applies) == 0 && len(pushes) == 0 {
		return nil
	}
	return m.store.WithTx(ctx, func(tx *localstore.Tx) error {
		for i := range applies {
			if err := tx.Apply(spec.Name, applies[i]); err != nil {
				return err
			}
		}
		for _, lr := range pushes {
			if err := tx.MarkSynced(spec.Name, lr.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncMerge merges rows that exist on only one side and surfaces
// same-id, same-createdAt pairs with divergent content as conflicts.
// Conflicted pairs are excluded from all automated writes; resolution
// belongs to the caller.
func (m *Manager) syncMerge(ctx context.Context, spec *localstore.TableSpec, userID string) ([]Conflict, error) {
	if err := m.store.RequeueFailed(ctx, spec.Name, userID); err != nil {
		return nil, err
	}
	local, err := m.store.Get(ctx, spec.Name, localstore.NewQuery().Eq("userId", userID))
	if err != nil {
		return nil, err
	}
	remoteRows, err := m.remote.Select(ctx, string(spec.Name), userID)
	if err != nil {
		return nil, err
	}

	localByID := make(map[string]*localstore.Record, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}

	var conflicts []Conflict
	var applies []localstore.Record
	var markSynced []string
	seen := make(map[string]bool, len(remoteRows))

	for _, row := range remoteRows {
		id, ok := row["id"].(string)
		if !ok {
			continue
		}
		seen[id] = true
		lr, exists := localByID[id]
		if !exists {
			rec, err := m.mapRemoteToLocal(spec, row)
			if err != nil {
				return nil, err
			}
			applies = append(applies, rec)
			continue
		}
		remoteCreated, err := toInt64(row["created_at"])
		if err != nil {
			return nil, fmt.Errorf("remote row %s: created_at: %w", id, err)
		}
		if remoteCreated == lr.CreatedAt && !fieldsEqual(spec, lr, row) {
			conflicts = append(conflicts, Conflict{
				ID:     id,
				Local:  conflictSide(spec, lr),
				Remote: row,
			})
			continue
		}
		// Same content, or divergent timestamps with no defined winner:
		// leave both sides in place. A pending local copy of identical
		// content is settled as synced.
		if lr.SyncStatus == localstore.StatusPending && fieldsEqual(spec, lr, row) {
			markSynced = append(markSynced, id)
		}
	}

	var pushes []*localstore.Record
	for i := range local {
		lr := &local[i]
		if seen[lr.ID] {
			continue
		}
		pushes = append(pushes, lr)
	}
	if len(pushes) > 0 {
		rows := make([]remote.Row, 0, len(pushes))
		for _, lr := range pushes {
			row, err := m.mapLocalToRemote(spec, lr)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		if err := m.upsertBatches(ctx, spec.Name, rows); err != nil {
			return nil, err
		}
	}

	if len(applies) > 0 || len(pushes) > 0 || len(markSynced) > 0 {
		err = m.store.WithTx(ctx, func(tx *localstore.Tx) error {
			for i := range applies {
				if err := tx.Apply(spec.Name, applies[i]); err != nil {
					return err
				}
			}
			for _, lr := range pushes {
				if err := tx.MarkSynced(spec.Name, lr.ID); err != nil {
					return err
				}
			}
			for _, id := range markSynced {
				if err := tx.MarkSynced(spec.Name, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// upsertBatches pushes rows in slices of at most uploadBatchLimit.
func (m *Manager) upsertBatches(ctx context.Context, table localstore.Table, rows []remote.Row) error {
	for start := 0; start < len(rows); start += uploadBatchLimit {
		end := start + uploadBatchLimit
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := m.remote.Upsert(ctx, string(table), rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// conflictSide snapshots the local half of a conflict in wire-comparable
// shape.
func conflictSide(spec *localstore.TableSpec, rec *localstore.Record) map[string]any {
	side := map[string]any{
		"id":         rec.ID,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	for _, col := range spec.Columns {
		if v, ok := rec.Fields[col.Local]; ok {
			side[col.SQL] = v
		}
	}
	return side
}
