package models

import "time"

// Value is the current persisted value of one (object, property) pair.
// Exactly one row should exist per pair; duplicates discovered on
// hydration are merged. The value column holds the codec-encoded string.
type Value struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	ObjectID uint64 `gorm:"index:idx_values_object_name,priority:1;not null"`
	Name     string `gorm:"index:idx_values_object_name,priority:2;size:255;not null"`
	Value    string `gorm:"type:text"`
	Changed  time.Time
	Linked   string `gorm:"size:512"` // csv of linked plugin names
	Source   string `gorm:"size:255"`
}

// History is an append-only audit row for a Value. Added is stored UTC.
type History struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	ValueID uint64 `gorm:"index;index:idx_history_value_added,priority:1;not null"`
	Value   string `gorm:"type:text"`
	Added   time.Time `gorm:"index:idx_history_value_added,priority:2"`
	Source  string    `gorm:"size:255"`
}

func (Value) TableName() string   { return "values" }
func (History) TableName() string { return "history" }
