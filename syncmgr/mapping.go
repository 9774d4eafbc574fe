// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"fmt"

	"github.com/bouncebackapp/go-bouncesync/localstore"
	"github.com/bouncebackapp/go-bouncesync/remote"
)

// The sync manager owns the two-way mapping between the in-process
// camelCase record shape and the snake_case wire shape.

// mapLocalToRemote builds the wire row for one record. Sensitive columns
// are encrypted here, immediately before the push payload is
// constructed; the plaintext never reaches the remote client.
func (m *Manager) mapLocalToRemote(spec *localstore.TableSpec, rec *localstore.Record) (remote.Row, error) {
	row := remote.Row{
		"id":         rec.ID,
		"user_id":    rec.UserID,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	for _, col := range spec.Columns {
		value, ok := rec.Fields[col.Local]
		if !ok || value == nil {
			row[col.SQL] = nil
			continue
		}
		if col.Sensitive {
			amount, err := toFloat64(value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", col.Local, err)
			}
			ciphertext, err := m.cipher.EncryptAmount(amount)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt field %s: %w", col.Local, err)
			}
			row[col.SQL] = ciphertext
			continue
		}
		row[col.SQL] = value
	}
	return row, nil
}

// mapRemoteToLocal parses a pulled wire row into a record ready for the
// local store. Sensitive columns are decrypted here, before the record
// re-enters the store; a decrypt failure surfaces as the cipher's typed
// error so the caller can skip just that row.
func (m *Manager) mapRemoteToLocal(spec *localstore.TableSpec, row remote.Row) (localstore.Record, error) {
	rec := localstore.Record{
		SyncStatus: localstore.StatusSynced,
		Fields:     make(map[string]any, len(spec.Columns)),
	}
	id, ok := row["id"].(string)
	if !ok || id == "" {
		return rec, fmt.Errorf("remote row missing id")
	}
	rec.ID = id
	if userID, ok := row["user_id"].(string); ok {
		rec.UserID = userID
	}
	var err error
	if rec.CreatedAt, err = toInt64(row["created_at"]); err != nil {
		return rec, fmt.Errorf("remote row %s: created_at: %w", id, err)
	}
	if rec.UpdatedAt, err = toInt64(row["updated_at"]); err != nil {
		return rec, fmt.Errorf("remote row %s: updated_at: %w", id, err)
	}

	for _, col := range spec.Columns {
		value, ok := row[col.SQL]
		if !ok || value == nil {
			continue
		}
		if col.Sensitive {
			ciphertext, ok := value.(string)
			if !ok {
				return rec, fmt.Errorf("remote row %s: field %s is not a ciphertext string", id, col.SQL)
			}
			amount, err := m.cipher.DecryptAmount(ciphertext)
			if err != nil {
				return rec, err
			}
			rec.Fields[col.Local] = amount
			continue
		}
		if col.Type == "INTEGER" {
			n, err := toInt64(value)
			if err != nil {
				return rec, fmt.Errorf("remote row %s: field %s: %w", id, col.SQL, err)
			}
			rec.Fields[col.Local] = n
			continue
		}
		rec.Fields[col.Local] = value
	}
	return rec, nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("value %T is not an integer", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("value %T is not numeric", value)
	}
}

// remoteUpdatedAt reads the updated_at watermark off a wire row; rows
// without one sort as oldest.
func remoteUpdatedAt(row remote.Row) int64 {
	n, err := toInt64(row["updated_at"])
	if err != nil {
		return 0
	}
	return n
}

// fieldsEqual compares the payload of a local record against a wire row,
// normalizing numeric representations. Sensitive columns are excluded:
// their ciphertexts are salted and never comparable.
func fieldsEqual(spec *localstore.TableSpec, rec *localstore.Record, row remote.Row) bool {
	for _, col := range spec.Columns {
		if col.Sensitive {
			continue
		}
		if !valuesEqual(rec.Fields[col.Local], row[col.SQL]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, errA := toFloat64(a); errA == nil {
		fb, errB := toFloat64(b)
		return errB == nil && fa == fb
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return sa == sb
	}
	return a == b
}
