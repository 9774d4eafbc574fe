// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record id does not exist in a table.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a local read/write failure with the table and
// operation that produced it. A failed write applies nothing; callers
// never observe a partial record.
type StorageError struct {
	Table Table
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(table Table, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Table: table, Op: op, Err: err}
}
