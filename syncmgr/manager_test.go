// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/storagemon"
)

func TestSyncWhileOfflineDoesNothing(t *testing.T) {
	e := newTestEngine(t)
	e.create(t, localstore.TableMoodEntries, localstore.Record{
		Fields: map[string]any{"moodScore": 4},
	})

	result, err := e.manager.Sync(context.Background(), testUser)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "offline", result.Error)
	require.Zero(t, e.backend.rowCount("mood_entries"))
}

func TestSyncRejectedAtHardLimit(t *testing.T) {
	cfg := storagemon.DefaultConfig()
	cfg.UsedSpaceFn = func(ctx context.Context) (int64, error) {
		return storagemon.HardLimit, nil
	}
	e := newTestEngineWithMonitor(t, cfg)
	e.goOnline()

	_, err := e.manager.Sync(context.Background(), testUser)
	var limitErr *storagemon.StorageLimitError
	require.ErrorAs(t, err, &limitErr)
}

func TestPushStrategyPushesPending(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	r1 := e.create(t, localstore.TableMoodEntries, localstore.Record{
		Fields: map[string]any{"moodScore": 4, "note": "ok day"},
	})
	r2 := e.create(t, localstore.TableMoodEntries, localstore.Record{
		Fields: map[string]any{"moodScore": 2},
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Conflicts)

	require.Equal(t, 2, e.backend.rowCount("mood_entries"))
	row, ok := e.backend.row("mood_entries", r1.ID)
	require.True(t, ok)
	require.Equal(t, "ok day", row["note"])
	require.Equal(t, testUser, row["user_id"])

	for _, id := range []string{r1.ID, r2.ID} {
		got, err := e.store.Get1(ctx, localstore.TableMoodEntries, id)
		require.NoError(t, err)
		require.Equal(t, localstore.StatusSynced, got.SyncStatus)
	}

	status := e.manager.SyncStatus()[localstore.TableMoodEntries]
	require.Equal(t, StatusSynced, status.Status)
	require.Zero(t, status.PendingChanges)
	require.NotZero(t, status.LastSyncedAt)
}

func TestPushStrategyNeverPullsRemote(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	e.backend.seed("mood_entries", map[string]any{
		"id": "remote-only", "user_id": testUser,
		"mood_score": 5, "created_at": 1000, "updated_at": 1000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = e.store.Get1(ctx, localstore.TableMoodEntries, "remote-only")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestLastWriteWinsRemoteNewerWins(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableJobApplications, localstore.Record{
		ID: "app-1", CreatedAt: 1000, UpdatedAt: 5000,
		Fields: map[string]any{"company": "Acme", "position": "Engineer", "status": "applied"},
	})
	e.backend.seed("job_applications", map[string]any{
		"id": rec.ID, "user_id": testUser,
		"company": "Globex", "position": "Engineer", "status": "interviewing",
		"created_at": 1000, "updated_at": 6000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	got, err := e.store.Get1(ctx, localstore.TableJobApplications, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "Globex", got.Fields["company"])
	require.Equal(t, "interviewing", got.Fields["status"])
	require.Equal(t, int64(6000), got.UpdatedAt)
	require.Equal(t, localstore.StatusSynced, got.SyncStatus)
}

func TestLastWriteWinsLocalNewerPushes(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableProfiles, localstore.Record{
		ID: "p1", CreatedAt: 1000, UpdatedAt: 7000,
		Fields: map[string]any{"firstName": "Grace"},
	})
	e.backend.seed("profiles", map[string]any{
		"id": rec.ID, "user_id": testUser,
		"first_name": "Ada", "created_at": 1000, "updated_at": 6000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	row, ok := e.backend.row("profiles", rec.ID)
	require.True(t, ok)
	require.Equal(t, "Grace", row["first_name"])

	got, err := e.store.Get1(ctx, localstore.TableProfiles, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "Grace", got.Fields["firstName"])
	require.Equal(t, localstore.StatusSynced, got.SyncStatus)
}

func TestLastWriteWinsTieIsNoop(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableUserGoals, localstore.Record{
		ID: "g1", CreatedAt: 1000, UpdatedAt: 5000,
		Fields: map[string]any{"goalType": "career", "description": "local words"},
	})
	e.backend.seed("user_goals", map[string]any{
		"id": rec.ID, "user_id": testUser,
		"goal_type": "career", "description": "remote words",
		"created_at": 1000, "updated_at": 5000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	got, err := e.store.Get1(ctx, localstore.TableUserGoals, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "local words", got.Fields["description"])

	row, _ := e.backend.row("user_goals", rec.ID)
	require.Equal(t, "remote words", row["description"])
}

func TestLastWriteWinsOneSidedRows(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	local := e.create(t, localstore.TableLayoffDetails, localstore.Record{
		ID: "local-only", CreatedAt: 1000, UpdatedAt: 1000,
		Fields: map[string]any{"company": "Acme"},
	})
	e.backend.seed("layoff_details", map[string]any{
		"id": "remote-only", "user_id": testUser,
		"company": "Globex", "created_at": 2000, "updated_at": 2000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	_, ok := e.backend.row("layoff_details", local.ID)
	require.True(t, ok, "local-only row should be pushed")

	pulled, err := e.store.Get1(ctx, localstore.TableLayoffDetails, "remote-only")
	require.NoError(t, err)
	require.Equal(t, "Globex", pulled.Fields["company"])
	require.Equal(t, localstore.StatusSynced, pulled.SyncStatus)
}

func TestEncryptedAmountNeverPlaintextOnWire(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableBudgetEntries, localstore.Record{
		Fields: map[string]any{"category": "rent", "amount": 1250.50},
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	row, ok := e.backend.row("budget_entries", rec.ID)
	require.True(t, ok)
	ciphertext, ok := row["amount"].(string)
	require.True(t, ok, "amount must travel as ciphertext string")
	require.NotContains(t, ciphertext, "1250.5")

	amount, err := e.cipher.DecryptAmount(ciphertext)
	require.NoError(t, err)
	require.Equal(t, 1250.50, amount)
}

func TestEncryptedPullDecryptsLocally(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	ciphertext, err := e.cipher.EncryptAmount(88.25)
	require.NoError(t, err)
	e.backend.seed("budget_entries", map[string]any{
		"id": "b1", "user_id": testUser,
		"category": "groceries", "amount": ciphertext,
		"created_at": 1000, "updated_at": 1000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	got, err := e.store.Get1(ctx, localstore.TableBudgetEntries, "b1")
	require.NoError(t, err)
	require.Equal(t, 88.25, got.Fields["amount"])
}

func TestUndecryptableRowSkippedNotFatal(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	good, err := e.cipher.EncryptAmount(10)
	require.NoError(t, err)
	e.backend.seed("budget_entries", map[string]any{
		"id": "good", "user_id": testUser,
		"category": "a", "amount": good, "created_at": 1000, "updated_at": 1000,
	})
	e.backend.seed("budget_entries", map[string]any{
		"id": "bad", "user_id": testUser,
		"category": "b", "amount": "garbage!!", "created_at": 1000, "updated_at": 1000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = e.store.Get1(ctx, localstore.TableBudgetEntries, "good")
	require.NoError(t, err)
	_, err = e.store.Get1(ctx, localstore.TableBudgetEntries, "bad")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestMergeSurfacesConflict(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableCoachConversations, localstore.Record{
		ID: "c1", CreatedAt: 1000, UpdatedAt: 1000,
		Fields: map[string]any{"message": "local text", "sender": "user"},
	})
	e.backend.seed("coach_conversations", map[string]any{
		"id": rec.ID, "user_id": testUser,
		"message": "remote text", "sender": "user",
		"created_at": 1000, "updated_at": 1000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, rec.ID, result.Conflicts[0].ID)
	require.Equal(t, "local text", result.Conflicts[0].Local["message"])
	require.Equal(t, "remote text", result.Conflicts[0].Remote["message"])

	// Neither side is overwritten.
	got, err := e.store.Get1(ctx, localstore.TableCoachConversations, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "local text", got.Fields["message"])
	row, _ := e.backend.row("coach_conversations", rec.ID)
	require.Equal(t, "remote text", row["message"])

	status := e.manager.SyncStatus()[localstore.TableCoachConversations]
	require.Equal(t, StatusPending, status.Status)
}

func TestMergeOneSidedRows(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	local := e.create(t, localstore.TableCoachConversations, localstore.Record{
		ID: "local-only", CreatedAt: 1000, UpdatedAt: 1000,
		Fields: map[string]any{"message": "mine", "sender": "user"},
	})
	e.backend.seed("coach_conversations", map[string]any{
		"id": "remote-only", "user_id": testUser,
		"message": "theirs", "sender": "coach",
		"created_at": 2000, "updated_at": 2000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Conflicts)

	_, ok := e.backend.row("coach_conversations", local.ID)
	require.True(t, ok)
	pulled, err := e.store.Get1(ctx, localstore.TableCoachConversations, "remote-only")
	require.NoError(t, err)
	require.Equal(t, "theirs", pulled.Fields["message"])
}

func TestMergeIdenticalContentSettles(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	rec := e.create(t, localstore.TableCoachConversations, localstore.Record{
		ID: "c1", CreatedAt: 1000, UpdatedAt: 1000,
		Fields: map[string]any{"message": "same", "sender": "user"},
	})
	e.backend.seed("coach_conversations", map[string]any{
		"id": rec.ID, "user_id": testUser,
		"message": "same", "sender": "user",
		"created_at": 1000, "updated_at": 1000,
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Conflicts)

	got, err := e.store.Get1(ctx, localstore.TableCoachConversations, rec.ID)
	require.NoError(t, err)
	require.Equal(t, localstore.StatusSynced, got.SyncStatus)
}

func TestTableFailureDoesNotAbortOthers(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	e.backend.setFailing("mood_entries", true)
	e.create(t, localstore.TableMoodEntries, localstore.Record{
		Fields: map[string]any{"moodScore": 4},
	})
	goal := e.create(t, localstore.TableUserGoals, localstore.Record{
		Fields: map[string]any{"goalType": "career"},
	})

	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "mood_entries")

	got, err := e.store.Get1(ctx, localstore.TableUserGoals, goal.ID)
	require.NoError(t, err)
	require.Equal(t, localstore.StatusSynced, got.SyncStatus)

	statuses := e.manager.SyncStatus()
	require.Equal(t, StatusError, statuses[localstore.TableMoodEntries].Status)
	require.Equal(t, StatusSynced, statuses[localstore.TableUserGoals].Status)
	require.Equal(t, 1, statuses[localstore.TableMoodEntries].PendingChanges)
}

// dumpState flattens every record and queued action into a comparable
// snapshot.
func dumpState(t *testing.T, e *testEngine) map[string]any {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]any)
	for _, spec := range localstore.Tables() {
		recs, err := e.store.Get(ctx, spec.Name, localstore.NewQuery())
		require.NoError(t, err)
		for i, rec := range recs {
			out[string(spec.Name)+"/"+strconv.Itoa(i)] = rec
		}
	}
	actions, err := e.queue.Actions(ctx)
	require.NoError(t, err)
	out["queue"] = actions
	return out
}

func TestSyncIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.goOnline()
	ctx := context.Background()

	e.create(t, localstore.TableMoodEntries, localstore.Record{
		Fields: map[string]any{"moodScore": 4},
	})
	e.create(t, localstore.TableJobApplications, localstore.Record{
		ID: "app-1", CreatedAt: 1000, UpdatedAt: 5000,
		Fields: map[string]any{"company": "Acme"},
	})
	e.backend.seed("job_applications", map[string]any{
		"id": "app-2", "user_id": testUser,
		"company": "Globex", "created_at": 2000, "updated_at": 2000,
	})
	e.create(t, localstore.TableBudgetEntries, localstore.Record{
		Fields: map[string]any{"category": "rent", "amount": 900.0},
	})

	first, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, first.Success)
	afterFirst := dumpState(t, e)
	statusFirst := e.manager.SyncStatus()

	second, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.Empty(t, second.Conflicts)
	afterSecond := dumpState(t, e)
	statusSecond := e.manager.SyncStatus()

	require.Equal(t, afterFirst, afterSecond)
	for table, ts := range statusFirst {
		require.Equal(t, ts.Status, statusSecond[table].Status)
		require.Equal(t, ts.PendingChanges, statusSecond[table].PendingChanges)
	}
}

func TestOfflineEditReconnectEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.manager.SetOnlineStatus(false)
	rec := e.create(t, localstore.TableBouncePlanTasks, localstore.Record{
		Fields: map[string]any{"day": 5, "taskId": "network-coffee", "completedAt": int64(1700000000000)},
	})
	require.NoError(t, e.manager.QueueForSync(ctx, localstore.TableBouncePlanTasks, &rec))

	actions, err := e.manager.OfflineQueue(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	e.manager.SetOnlineStatus(true)
	require.Eventually(t, func() bool {
		actions, err := e.manager.OfflineQueue(ctx)
		return err == nil && len(actions) == 0
	}, 5*time.Second, 10*time.Millisecond)

	row, ok := e.backend.row("bounce_plan_tasks", rec.ID)
	require.True(t, ok)
	require.Equal(t, "network-coffee", row["task_id"])

	got, err := e.store.Get1(ctx, localstore.TableBouncePlanTasks, rec.ID)
	require.NoError(t, err)
	require.Equal(t, localstore.StatusSynced, got.SyncStatus)

	// A follow-up sync finds nothing new to do.
	result, err := e.manager.Sync(ctx, testUser)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, e.backend.rowCount("bounce_plan_tasks"))
}

func TestQueuedPayloadCarriesCiphertext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.manager.SetOnlineStatus(false)
	rec := e.create(t, localstore.TableBudgetEntries, localstore.Record{
		Fields: map[string]any{"category": "rent", "amount": 1250.50},
	})
	require.NoError(t, e.manager.QueueForSync(ctx, localstore.TableBudgetEntries, &rec))

	actions, err := e.manager.OfflineQueue(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.NotContains(t, string(actions[0].Payload), "1250.5")
}

func TestStrategyAssignments(t *testing.T) {
	for table, want := range map[localstore.Table]Strategy{
		localstore.TableBouncePlanTasks:    StrategyPush,
		localstore.TableMoodEntries:        StrategyPush,
		localstore.TableWellnessActivities: StrategyPush,
		localstore.TableProfiles:           StrategyLastWriteWins,
		localstore.TableLayoffDetails:      StrategyLastWriteWins,
		localstore.TableUserGoals:          StrategyLastWriteWins,
		localstore.TableJobApplications:    StrategyLastWriteWins,
		localstore.TableBudgetEntries:      StrategyEncrypted,
		localstore.TableCoachConversations: StrategyMerge,
	} {
		got, err := StrategyFor(table)
		require.NoError(t, err)
		require.Equal(t, want, got, "table %s", table)
	}
	_, err := StrategyFor(localstore.Table("unknown"))
	require.Error(t, err)
}
