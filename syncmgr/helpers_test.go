// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bouncebackapp/go-bouncesync/fieldcrypt"
	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/offqueue"
	"github.com/bouncebackapp/go-bouncesync/remote"
	"github.com/bouncebackapp/go-bouncesync/storagemon"
)

// fakeBackend is an in-memory stand-in for the reference backend,
// speaking the same wire contract over httptest.
type fakeBackend struct {
	mu         sync.Mutex
	tables     map[string]map[string]remote.Row
	upserts    map[string]int
	failTables map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tables:     make(map[string]map[string]remote.Row),
		upserts:    make(map[string]int),
		failTables: make(map[string]bool),
	}
}

func (b *fakeBackend) seed(table string, row remote.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[table] == nil {
		b.tables[table] = make(map[string]remote.Row)
	}
	b.tables[table][row["id"].(string)] = row
}

func (b *fakeBackend) row(table, id string) (remote.Row, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.tables[table][id]
	return row, ok
}

func (b *fakeBackend) rowCount(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table])
}

func (b *fakeBackend) upsertCount(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts[table]
}

func (b *fakeBackend) setFailing(table string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failTables[table] = fail
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	authed := func(w http.ResponseWriter, r *http.Request) bool {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/{table}/upsert", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		table := r.PathValue("table")
		var req struct {
			Rows []remote.Row `json:"rows"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		b.mu.Lock()
		defer b.mu.Unlock()
		b.upserts[table]++
		if b.failTables[table] {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"error": "unavailable"})
			return
		}
		if b.tables[table] == nil {
			b.tables[table] = make(map[string]remote.Row)
		}
		for _, row := range req.Rows {
			id, _ := row["id"].(string)
			b.tables[table][id] = row
		}
		json.NewEncoder(w).Encode(map[string]any{"data": req.Rows})
	})
	mux.HandleFunc("GET /sync/{table}", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		table := r.PathValue("table")
		userID := r.URL.Query().Get("user_id")

		b.mu.Lock()
		defer b.mu.Unlock()
		data := make([]remote.Row, 0)
		for _, row := range b.tables[table] {
			if uid, _ := row["user_id"].(string); uid == userID {
				data = append(data, row)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	mux.HandleFunc("DELETE /sync/{table}/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.tables[r.PathValue("table")], r.PathValue("id"))
		json.NewEncoder(w).Encode(map[string]any{"data": []remote.Row{}})
	})
	return mux
}

type testEngine struct {
	manager *Manager
	store   *localstore.Store
	queue   *offqueue.Queue
	cipher  *fieldcrypt.Cipher
	backend *fakeBackend
}

const testUser = "user-1"

func newTestEngine(t *testing.T) *testEngine {
	return newTestEngineWithMonitor(t, nil)
}

func newTestEngineWithMonitor(t *testing.T, monCfg *storagemon.Config) *testEngine {
	t.Helper()

	cipher, err := fieldcrypt.NewCipher([]byte("device-secret-0123456789"), testUser)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := localstore.New(db, &localstore.Config{Cipher: cipher})
	require.NoError(t, err)

	monitor := storagemon.New(store, monCfg)
	store.SetGuard(monitor)

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)
	rc := remote.NewClient(srv.URL,
		func(ctx context.Context) (string, error) { return "tok", nil }, nil)

	queue, err := offqueue.New(store, rc, testUser, nil)
	require.NoError(t, err)

	manager, err := New(store, rc, cipher, monitor, queue, nil)
	require.NoError(t, err)

	return &testEngine{
		manager: manager,
		store:   store,
		queue:   queue,
		cipher:  cipher,
		backend: backend,
	}
}

func (e *testEngine) goOnline() { e.queue.SetOnlineStatus(true) }

func (e *testEngine) create(t *testing.T, table localstore.Table, rec localstore.Record) localstore.Record {
	t.Helper()
	if rec.UserID == "" {
		rec.UserID = testUser
	}
	out, err := e.store.Create(context.Background(), table, rec)
	require.NoError(t, err)
	return out
}
