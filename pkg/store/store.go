// Package store implements C7: an append-only, encrypted event log keyed
// by monotonic insert order, plus the Scheduled Task / Task Execution
// table group that C9 persists in the same encrypted store (§3, §4.7,
// §4.9). The physical engine is a pluggable collaborator behind the Store
// interface; BoltStore is the bbolt-backed implementation shipped here.
package store

import "encoding/json"

// EventRecord is the Persisted Event Record of §3: created by the store
// when a topic matches the persistence policy, never updated, deletable
// only by the retention job.
type EventRecord struct {
	ID                string
	TimestampUTCMillis uint64
	Topic             string
	Source            string
	PayloadBytes      []byte
	MetadataJSON      json.RawMessage
}

// ScheduledTask is the §3 Scheduled Task record owned by C9.
type ScheduledTask struct {
	TaskID             string
	TaskClass          string
	Schedule           string // "cron:...", "interval:...", or "at:..."
	ConfigJSON         json.RawMessage
	Enabled            bool
	CreatedAtUTCMillis uint64
	LastRunUTCMillis   *uint64
	NextRunUTCMillis   uint64
}

// TaskExecution is the §3 Task Execution Record, append-only.
type TaskExecution struct {
	ExecutionID          string
	TaskID               string
	StartedAtUTCMillis   uint64
	CompletedAtUTCMillis *uint64
	Success              *bool
	DurationMillis       *uint64
	Error                string
	RetryCount           int
}

// Store is the logical contract of C7 plus C9's task/execution tables.
// Implementations MUST NOT mutate or reorder already-appended records;
// the only permitted removal path is DeleteEventsBefore (retention).
type Store interface {
	// AppendEvent persists one event record, assigning it the next
	// monotonic sequence number.
	AppendEvent(rec EventRecord) error

	// QueryByTopic returns event records whose topic starts with
	// topicPrefix and whose timestamp falls in [sinceMillis,
	// untilMillis) (untilMillis == 0 means unbounded), ordered by topic
	// and then oldest first within each topic, up to limit records
	// (limit <= 0 means unbounded).
	QueryByTopic(topicPrefix string, sinceMillis, untilMillis uint64, limit int) ([]EventRecord, error)

	// DeleteEventsBefore removes every record under topicPrefix whose
	// timestamp is strictly less than beforeMillis, returning the count
	// removed. This is the only mutation path the retention task (§4.9)
	// is allowed to use.
	DeleteEventsBefore(topicPrefix string, beforeMillis uint64) (int, error)

	PutTask(task ScheduledTask) error
	GetTask(taskID string) (ScheduledTask, error)
	ListTasks() ([]ScheduledTask, error)
	DeleteTask(taskID string) error

	AppendExecution(exec TaskExecution) error
	ListExecutions(taskID string) ([]TaskExecution, error)

	Close() error
}
