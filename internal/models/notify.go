package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notify is a persistent notification record. An unread row with the same
// (name, description) absorbs repeats by incrementing Count instead of
// inserting a duplicate.
type Notify struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:255;not null;index"`
	Description string `gorm:"size:1024"`
	Category    string `gorm:"size:64"`
	Source      string `gorm:"size:255;index"`
	Count       int    `gorm:"default:1"`
	Read        bool   `gorm:"default:false;index"`
	Args        datatypes.JSON `gorm:"type:json"`
	Added       time.Time
}

func (Notify) TableName() string { return "notify" }
