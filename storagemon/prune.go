// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package storagemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bouncebackapp/go-bouncesync/localstore"
)

// Retention windows for pruned tables.
const (
	CoachConversationRetention = 90 * 24 * time.Hour
	MoodEntryRetention         = 180 * 24 * time.Hour
)

// CleanOldData prunes each retention category best-effort: a failure in
// one category never aborts the others. The joined error reports every
// category that failed.
func (m *Monitor) CleanOldData(ctx context.Context) error {
	now := time.Now().UnixMilli()
	var errs []error

	n, err := m.store.DeleteOlderThan(ctx, localstore.TableCoachConversations,
		now-CoachConversationRetention.Milliseconds())
	if err != nil {
		errs = append(errs, fmt.Errorf("coach conversations: %w", err))
	} else if n > 0 {
		m.logger.Info("pruned old coach conversations", "removed", n)
	}

	n, err = m.store.DeleteOlderThan(ctx, localstore.TableMoodEntries,
		now-MoodEntryRetention.Milliseconds())
	if err != nil {
		errs = append(errs, fmt.Errorf("mood entries: %w", err))
	} else if n > 0 {
		m.logger.Info("pruned old mood entries", "removed", n)
	}

	n, err = m.store.PruneExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("kv cache: %w", err))
	} else if n > 0 {
		m.logger.Info("pruned expired cache entries", "removed", n)
	}

	return errors.Join(errs...)
}

// OptimizeStorage runs one pruning pass followed by a WAL checkpoint to
// give pages back to the filesystem. Only one pass runs at a time;
// concurrent triggers are dropped.
func (m *Monitor) OptimizeStorage(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.optimizing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&m.optimizing, 0)

	if err := m.CleanOldData(ctx); err != nil {
		return err
	}
	if _, err := m.store.DB().ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if used, err := m.usedSpace(ctx); err == nil {
		m.notify(m.info(used))
	}
	return nil
}
