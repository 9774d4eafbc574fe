// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import "fmt"

// Table identifies one synchronizable logical table.
type Table string

const (
	TableBouncePlanTasks    Table = "bounce_plan_tasks"
	TableMoodEntries        Table = "mood_entries"
	TableWellnessActivities Table = "wellness_activities"
	TableProfiles           Table = "profiles"
	TableLayoffDetails      Table = "layoff_details"
	TableUserGoals          Table = "user_goals"
	TableJobApplications    Table = "job_applications"
	TableBudgetEntries      Table = "budget_entries"
	TableCoachConversations Table = "coach_conversations"
)

// Status is the per-record sync state. Allowed transitions are
// pending -> synced and pending -> failed -> pending (retry reset).
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Column describes one payload column of a table. Local is the camelCase
// field key used in-process; SQL is the snake_case column name, which is
// also the wire name. Sensitive columns are encrypted at rest and on the
// wire, never stored or transmitted in plaintext.
type Column struct {
	Local     string
	SQL       string
	Type      string // SQLite type affinity: TEXT, INTEGER, REAL
	Sensitive bool
}

// TableSpec is the strict schema of one synchronizable table. Writes
// carrying a field key outside Columns are rejected.
type TableSpec struct {
	Name    Table
	Columns []Column
}

// Column returns the column whose Local key matches, or false.
func (s *TableSpec) Column(local string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Local == local {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnBySQL returns the column whose SQL name matches, or false.
func (s *TableSpec) ColumnBySQL(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.SQL == name {
			return c, true
		}
	}
	return Column{}, false
}

var registry = []TableSpec{
	{
		Name: TableBouncePlanTasks,
		Columns: []Column{
			{Local: "taskId", SQL: "task_id", Type: "TEXT"},
			{Local: "day", SQL: "day", Type: "INTEGER"},
			{Local: "completedAt", SQL: "completed_at", Type: "INTEGER"},
			{Local: "skipped", SQL: "skipped", Type: "INTEGER"},
			{Local: "notes", SQL: "notes", Type: "TEXT"},
		},
	},
	{
		Name: TableMoodEntries,
		Columns: []Column{
			{Local: "moodScore", SQL: "mood_score", Type: "INTEGER"},
			{Local: "note", SQL: "note", Type: "TEXT"},
			{Local: "loggedAt", SQL: "logged_at", Type: "INTEGER"},
		},
	},
	{
		Name: TableWellnessActivities,
		Columns: []Column{
			{Local: "activityType", SQL: "activity_type", Type: "TEXT"},
			{Local: "durationMin", SQL: "duration_min", Type: "INTEGER"},
			{Local: "loggedAt", SQL: "logged_at", Type: "INTEGER"},
		},
	},
	{
		Name: TableProfiles,
		Columns: []Column{
			{Local: "firstName", SQL: "first_name", Type: "TEXT"},
			{Local: "lastName", SQL: "last_name", Type: "TEXT"},
			{Local: "email", SQL: "email", Type: "TEXT"},
			{Local: "phone", SQL: "phone", Type: "TEXT"},
		},
	},
	{
		Name: TableLayoffDetails,
		Columns: []Column{
			{Local: "company", SQL: "company", Type: "TEXT"},
			{Local: "role", SQL: "role", Type: "TEXT"},
			{Local: "layoffDate", SQL: "layoff_date", Type: "INTEGER"},
			{Local: "severanceWeeks", SQL: "severance_weeks", Type: "INTEGER"},
		},
	},
	{
		Name: TableUserGoals,
		Columns: []Column{
			{Local: "goalType", SQL: "goal_type", Type: "TEXT"},
			{Local: "description", SQL: "description", Type: "TEXT"},
			{Local: "targetDate", SQL: "target_date", Type: "INTEGER"},
			{Local: "completed", SQL: "completed", Type: "INTEGER"},
		},
	},
	{
		Name: TableJobApplications,
		Columns: []Column{
			{Local: "company", SQL: "company", Type: "TEXT"},
			{Local: "position", SQL: "position", Type: "TEXT"},
			{Local: "status", SQL: "status", Type: "TEXT"},
			{Local: "appliedAt", SQL: "applied_at", Type: "INTEGER"},
			{Local: "notes", SQL: "notes", Type: "TEXT"},
		},
	},
	{
		Name: TableBudgetEntries,
		Columns: []Column{
			{Local: "category", SQL: "category", Type: "TEXT"},
			{Local: "amount", SQL: "amount", Type: "TEXT", Sensitive: true},
			{Local: "note", SQL: "note", Type: "TEXT"},
		},
	},
	{
		Name: TableCoachConversations,
		Columns: []Column{
			{Local: "message", SQL: "message", Type: "TEXT"},
			{Local: "sender", SQL: "sender", Type: "TEXT"},
			{Local: "tone", SQL: "tone", Type: "TEXT"},
		},
	},
}

// Tables returns the specs of all synchronizable tables in registry order.
// The order is stable; sync runs table strategies in this order.
func Tables() []TableSpec {
	out := make([]TableSpec, len(registry))
	copy(out, registry)
	return out
}

// Spec looks up the schema for a table.
func Spec(table Table) (*TableSpec, error) {
	for i := range registry {
		if registry[i].Name == table {
			return &registry[i], nil
		}
	}
	return nil, fmt.Errorf("unknown table %q", table)
}
