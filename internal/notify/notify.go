// notify.go
//
// The object runtime core for the osysHome automation server
// Copyright (c) 2026 the objectd authors
//
// This file is part of objectd.
// objectd is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// objectd is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with objectd.
// If not, see <https://www.gnu.org/licenses/>.

// Package notify persists notification records and fans them out to
// connected WebSocket clients.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Categories used by the runtime; plugins may add their own.
const (
	CategoryInfo    = "info"
	CategoryWarning = "warning"
	CategoryError   = "error"
)

// Service writes notify rows and broadcasts new ones over the hub.
type Service struct {
	db  *gorm.DB
	hub *Hub
	log *zap.Logger
}

func NewService(db *gorm.DB, hub *Hub, log *zap.Logger) *Service {
	return &Service{db: db, hub: hub, log: log}
}

// Add records a notification. An existing unread row with the same
// name and description absorbs the repeat by bumping its counter and
// refreshing Added; otherwise a fresh row is inserted. Either way the
// record is broadcast.
func (s *Service) Add(name, description, category, source string, args map[string]any) error {
	if category == "" {
		category = CategoryInfo
	}
	now := time.Now().UTC()

	var rec models.Notify
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("name = ? AND description = ?", name, description).
			Where(map[string]any{"read": false}).
			First(&rec).Error
		switch {
		case err == nil:
			rec.Count++
			rec.Added = now
			return tx.Model(&rec).Updates(map[string]any{
				"count": rec.Count,
				"added": now,
			}).Error
		case err == gorm.ErrRecordNotFound:
			rec = models.Notify{
				Name:        name,
				Description: description,
				Category:    category,
				Source:      source,
				Count:       1,
				Added:       now,
			}
			if len(args) > 0 {
				raw, merr := json.Marshal(args)
				if merr != nil {
					return fmt.Errorf("marshal notify args: %w", merr)
				}
				rec.Args = raw
			}
			return tx.Create(&rec).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("add notify %q: %w", name, err)
	}

	s.broadcast(rec)
	return nil
}

// Read marks one record read.
func (s *Service) Read(id uint64) error {
	return s.db.Model(&models.Notify{}).Where("id = ?", id).
		Update("read", true).Error
}

// ReadAll marks every unread record read; a non-empty source narrows
// the sweep to that source.
func (s *Service) ReadAll(source string) (int64, error) {
	tx := s.db.Model(&models.Notify{}).Where(map[string]any{"read": false})
	if source != "" {
		tx = tx.Where("source = ?", source)
	}
	res := tx.Update("read", true)
	return res.RowsAffected, res.Error
}

// Unread lists unread records newest-first.
func (s *Service) Unread(limit int) ([]models.Notify, error) {
	tx := s.db.Where(map[string]any{"read": false}).Order("added DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []models.Notify
	err := tx.Find(&out).Error
	return out, err
}

func (s *Service) broadcast(rec models.Notify) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":        "notify",
		"id":          rec.ID,
		"name":        rec.Name,
		"description": rec.Description,
		"category":    rec.Category,
		"source":      rec.Source,
		"count":       rec.Count,
		"added":       rec.Added,
	})
	if err != nil {
		s.log.Error("marshal notify broadcast", zap.Error(err))
		return
	}
	s.hub.Broadcast(payload)
}
