package models

import "time"

// PluginRecord mirrors a registered plugin unit in the database. Actions
// is a csv of the declared verbs; UpdatedAt is stamped by cycle loops on
// each iteration so stalled plugins are visible.
type PluginRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex;size:255;not null"`
	Actions   string `gorm:"size:255"`
	Active    bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PluginRecord) TableName() string { return "plugins" }
