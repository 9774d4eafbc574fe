// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"strings"
)

type cond struct {
	field string // camelCase field key or meta field
	op    string // =, <, <=, >, >=
	value any
}

// Query is a filter over one table: field equality plus inequality/range
// predicates on timestamps. Field keys use the in-process camelCase names;
// the store maps them to SQL columns.
type Query struct {
	conds []cond
}

// NewQuery returns an empty query matching all rows of a table.
func NewQuery() Query { return Query{} }

// Eq adds a field = value predicate.
func (q Query) Eq(field string, value any) Query {
	q.conds = append(q.conds, cond{field, "=", value})
	return q
}

// Lt adds a field < value predicate (open upper bound, used for pruning).
func (q Query) Lt(field string, value any) Query {
	q.conds = append(q.conds, cond{field, "<", value})
	return q
}

// Gt adds a field > value predicate.
func (q Query) Gt(field string, value any) Query {
	q.conds = append(q.conds, cond{field, ">", value})
	return q
}

// Gte adds a field >= value predicate.
func (q Query) Gte(field string, value any) Query {
	q.conds = append(q.conds, cond{field, ">=", value})
	return q
}

// metaColumns maps camelCase meta field keys to their SQL columns. These
// exist on every synchronizable table in addition to the payload columns.
var metaColumns = map[string]string{
	"id":         "id",
	"userId":     "user_id",
	"createdAt":  "created_at",
	"updatedAt":  "updated_at",
	"syncStatus": "sync_status",
	"retryCount": "retry_count",
}

// build compiles the query into a WHERE clause and argument list for the
// given table spec. Unknown field keys are an error.
func (q Query) build(spec *TableSpec) (string, []any, error) {
	if len(q.conds) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for _, c := range q.conds {
		col, ok := metaColumns[c.field]
		if !ok {
			pc, found := spec.Column(c.field)
			if !found {
				return "", nil, fmt.Errorf("unknown field %q for table %s", c.field, spec.Name)
			}
			col = pc.SQL
		}
		clauses = append(clauses, fmt.Sprintf("\"%s\" %s ?", col, c.op))
		args = append(args, c.value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
