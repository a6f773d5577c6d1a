// property.go
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

package objects

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/batch"
	"github.com/osyshome/objectd/internal/models"
	"gorm.io/gorm"
)

// PropertyManager holds the live state of one property on one object:
// the decoded current value, its provenance, counters, the linked plugin
// list, and the optional bound method. All mutation goes through
// SetValue; persistence is queued on the batch writer, never awaited.
type PropertyManager struct {
	mu sync.RWMutex

	objectID    uint64
	name        string
	kind        string
	historyDays int
	boundMethod string
	description string

	valueID      uint64
	value        any // datetimes kept UTC
	encoded      string
	source       string
	changed      time.Time // UTC
	readed       time.Time // UTC
	countRead    uint64
	countWrite   uint64
	linked       []string
	decodeFailed bool

	loc    *time.Location
	writer *batch.Writer
	db     *gorm.DB
}

// SetOptions carries the optional arguments of SetValue.
type SetOptions struct {
	Changed     *time.Time
	SaveHistory *bool
}

func newPropertyManager(def models.Property, objectID uint64, boundMethod string, loc *time.Location, writer *batch.Writer, db *gorm.DB) *PropertyManager {
	return &PropertyManager{
		objectID:    objectID,
		name:        def.Name,
		kind:        def.Type,
		historyDays: def.HistoryDays,
		boundMethod: boundMethod,
		description: def.Description,
		loc:         loc,
		writer:      writer,
		db:          db,
	}
}

// hydrate loads the backing Value row state into memory.
func (p *PropertyManager) hydrate(v *models.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valueID = v.ID
	p.encoded = v.Value
	p.source = v.Source
	p.changed = v.Changed.UTC()
	p.linked = splitLinked(v.Linked)
	val, ok := Decode(p.kind, v.Value, p.loc)
	p.value = val
	p.decodeFailed = !ok
}

// Name returns the property name.
func (p *PropertyManager) Name() string { return p.name }

// Kind returns the declared value type tag.
func (p *PropertyManager) Kind() string { return p.kind }

// BoundMethod returns the method fired on mutation, or "".
func (p *PropertyManager) BoundMethod() string { return p.boundMethod }

// SetValue decodes v, updates the in-memory fields atomically and queues
// one batch record. The previous decoded value is returned for the bound
// method's OLD_VALUE parameter. A user present on ctx is appended to the
// source string.
func (p *PropertyManager) SetValue(ctx context.Context, v any, source string, opts SetOptions) (old any, err error) {
	encoded := Encode(p.kind, v, p.loc)
	decoded, ok := Decode(p.kind, encoded, p.loc)

	if u, present := actor.UserFrom(ctx); present && u.Name != "" {
		if source != "" {
			source = source + ":" + u.Name
		} else {
			source = u.Name
		}
	}

	changed := time.Now().UTC()
	if opts.Changed != nil {
		changed = opts.Changed.UTC()
	}

	saveHistory := p.historyDays > 0
	if opts.SaveHistory != nil {
		saveHistory = *opts.SaveHistory && p.historyDays != 0
	}
	if p.historyDays == 0 {
		saveHistory = false
	}

	p.mu.Lock()
	if p.valueID == 0 {
		// first write creates the backing row synchronously so every
		// later record carries a real id
		row := models.Value{
			ObjectID: p.objectID,
			Name:     p.name,
			Value:    encoded,
			Changed:  changed,
			Linked:   joinLinked(p.linked),
			Source:   source,
		}
		if err := p.db.Create(&row).Error; err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.valueID = row.ID
	}
	old = p.value
	p.value = decoded
	p.encoded = encoded
	p.source = source
	p.changed = changed
	p.countWrite++
	p.decodeFailed = !ok
	valueID := p.valueID
	p.mu.Unlock()

	p.writer.Queue(batch.Record{
		ValueID:     valueID,
		Encoded:     encoded,
		Changed:     changed,
		Source:      source,
		SaveHistory: saveHistory,
	})
	return old, nil
}

// GetValue returns the decoded current value, converting datetimes to the
// configured local zone, and bumps the read counters.
func (p *PropertyManager) GetValue() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countRead++
	p.readed = time.Now().UTC()
	if t, ok := p.value.(time.Time); ok {
		return t.In(p.loc)
	}
	return p.value
}

// Peek returns the decoded value without touching the read counters.
func (p *PropertyManager) Peek() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.value.(time.Time); ok {
		return t.In(p.loc)
	}
	return p.value
}

// Changed returns the UTC change timestamp converted to local time.
func (p *PropertyManager) Changed() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changed.In(p.loc)
}

// Source returns who or what made the last accepted write.
func (p *PropertyManager) Source() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// Linked returns a copy of the linked plugin names.
func (p *PropertyManager) Linked() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.linked))
	copy(out, p.linked)
	return out
}

// SetLinked replaces the linked plugin list and persists it immediately;
// link edits are rare and not worth batching.
func (p *PropertyManager) SetLinked(linked []string) error {
	p.mu.Lock()
	p.linked = linked
	valueID := p.valueID
	csv := joinLinked(linked)
	p.mu.Unlock()
	if valueID == 0 {
		return nil
	}
	return p.db.Model(&models.Value{}).Where("id = ?", valueID).
		Update("linked", csv).Error
}

// ValueID exposes the backing row id, zero before the first write.
func (p *PropertyManager) ValueID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.valueID
}

// DecodeFailed reports whether the current stored string failed to decode
// to the declared type.
func (p *PropertyManager) DecodeFailed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.decodeFailed
}

// Counters returns (reads, writes).
func (p *PropertyManager) Counters() (uint64, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.countRead, p.countWrite
}

// CleanHistory applies the retention policy: |historyDays| is a TTL for
// rows older than now−|days|; historyDays == 0 wipes everything. Returns
// (deleted, remaining).
func (p *PropertyManager) CleanHistory() (int64, int64, error) {
	p.mu.RLock()
	valueID := p.valueID
	days := p.historyDays
	p.mu.RUnlock()
	if valueID == 0 {
		return 0, 0, nil
	}

	q := p.db.Where("value_id = ?", valueID)
	if days != 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -abs(days))
		q = q.Where("added < ?", cutoff)
	}
	res := q.Delete(&models.History{})
	if res.Error != nil {
		return 0, 0, res.Error
	}

	var remaining int64
	if err := p.db.Model(&models.History{}).
		Where("value_id = ?", valueID).Count(&remaining).Error; err != nil {
		return res.RowsAffected, 0, err
	}
	return res.RowsAffected, remaining, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func splitLinked(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinLinked(linked []string) string {
	return strings.Join(linked, ",")
}
