package types

import "time"

// ScheduledScript is the persisted record for a cron-scheduled script.
// At most one record exists per script id; schedule writes replace the
// whole record. The cron leader re-installs these as in-memory entries on
// leadership acquisition.
type ScheduledScript struct {
	ScriptID       string    `json:"scriptId" bson:"_id"`
	CronExpression string    `json:"cronExpression" bson:"cronExpression"`
	Paused         bool      `json:"paused" bson:"paused"`
	Payload        Document  `json:"payload,omitempty" bson:"payload,omitempty"`
	LastExecutedAt time.Time `json:"lastExecutedAt,omitempty" bson:"lastExecutedAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ScheduledView is the operator-facing view of an installed cron entry.
type ScheduledView struct {
	ScriptID       string    `json:"scriptId"`
	CronExpression string    `json:"cronExpression"`
	Paused         bool      `json:"paused"`
	NextRun        time.Time `json:"nextRun,omitempty"`
	LastExecutedAt time.Time `json:"lastExecutedAt,omitempty"`
	Executions     int64     `json:"executions"`
	ExecutionsWeek int64     `json:"executionsThisWeek"`
	ExecutionsMonth int64    `json:"executionsThisMonth"`
}
