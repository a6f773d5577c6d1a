package models

import "time"

// Task is a persisted scheduled job. One-shot tasks are deleted after
// dispatch; tasks with a cron expression are re-armed to the next firing.
// Runtime and Expire are stored UTC. Started marks in-flight reservation.
type Task struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Name     string `gorm:"uniqueIndex;size:255;not null"`
	Code     string `gorm:"type:text"`
	Runtime  time.Time `gorm:"index"`
	Expire   time.Time
	CronExpr string `gorm:"size:255"`
	Started  *time.Time
	Source   string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Task) TableName() string { return "tasks" }
