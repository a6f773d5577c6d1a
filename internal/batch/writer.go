// writer.go
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

// Package batch coalesces value updates and history inserts into periodic
// bulk transactions so property writes never block on database I/O.
package batch

import (
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Record is one queued property write. Multiple records for the same
// ValueID in a flush window collapse to the newest for the values table;
// their history rows are all kept in insertion order.
type Record struct {
	ValueID     uint64
	Encoded     string
	Changed     time.Time
	Source      string
	SaveHistory bool
}

// Stats is a point-in-time snapshot of writer counters.
type Stats struct {
	Queued          uint64        `json:"queued"`
	Flushes         uint64        `json:"flushes"`
	ValuesUpdated   uint64        `json:"values_updated"`
	HistoryInserted uint64        `json:"history_inserted"`
	Errors          uint64        `json:"errors"`
	Pending         int           `json:"pending"`
	MinFlush        time.Duration `json:"min_flush"`
	AvgFlush        time.Duration `json:"avg_flush"`
	MaxFlush        time.Duration `json:"max_flush"`
	LastError       string        `json:"last_error,omitempty"`
	LastFlush       time.Time     `json:"last_flush"`
}

const durationWindow = 100

// Writer is the single background coalescer. Queue never blocks on I/O;
// the flusher goroutine is the only writer to the database.
type Writer struct {
	db       *gorm.DB
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	batch []Record

	flushMu sync.Mutex // one flush transaction at a time

	statsMu   sync.Mutex
	stats     Stats
	durations []time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewWriter creates a writer flushing every interval. Call Start to run it.
func NewWriter(db *gorm.DB, interval time.Duration, log *zap.Logger) *Writer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Writer{
		db:       db,
		interval: interval,
		log:      log,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flusher.
func (w *Writer) Start() {
	go w.run()
}

// Queue adds a record to the current batch.
func (w *Writer) Queue(rec Record) {
	w.mu.Lock()
	w.batch = append(w.batch, rec)
	w.mu.Unlock()

	w.statsMu.Lock()
	w.stats.Queued++
	w.statsMu.Unlock()
}

// Flush forces an immediate flush and waits for it to complete.
func (w *Writer) Flush() error {
	return w.flushOnce()
}

// Stop halts the flusher and synchronously flushes the residual batch.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
	_ = w.flushOnce()
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.flushOnce()
		case <-w.wake:
			_ = w.flushOnce()
		case <-w.stop:
			return
		}
	}
}

// flushOnce applies the queued batch in one transaction. Transient errors
// roll the transaction back and the batch is discarded: writes are
// idempotent per value id, so the next update subsumes a lost one.
func (w *Writer) flushOnce() error {
	// serialized so a caller's Flush and a ticker flush cannot commit
	// their transactions in reverse queue order
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending := w.batch
	w.batch = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	start := time.Now()

	// Collapse value updates to the newest per id, preserve every
	// history row in queue order.
	latest := make(map[uint64]Record, len(pending))
	order := make([]uint64, 0, len(pending))
	var histories []models.History
	for _, rec := range pending {
		if _, seen := latest[rec.ValueID]; !seen {
			order = append(order, rec.ValueID)
		}
		latest[rec.ValueID] = rec
		if rec.SaveHistory {
			histories = append(histories, models.History{
				ValueID: rec.ValueID,
				Value:   rec.Encoded,
				Added:   rec.Changed,
				Source:  rec.Source,
			})
		}
	}

	err := w.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range order {
			rec := latest[id]
			if err := tx.Model(&models.Value{}).Where("id = ?", id).Updates(map[string]any{
				"value":   rec.Encoded,
				"changed": rec.Changed,
				"source":  rec.Source,
			}).Error; err != nil {
				return err
			}
		}
		if len(histories) > 0 {
			if err := tx.Create(&histories).Error; err != nil {
				return err
			}
		}
		return nil
	})

	elapsed := time.Since(start)

	w.statsMu.Lock()
	w.stats.Flushes++
	w.stats.LastFlush = time.Now()
	if err != nil {
		w.stats.Errors++
		w.stats.LastError = err.Error()
	} else {
		w.stats.ValuesUpdated += uint64(len(order))
		w.stats.HistoryInserted += uint64(len(histories))
	}
	w.durations = append(w.durations, elapsed)
	if len(w.durations) > durationWindow {
		w.durations = w.durations[len(w.durations)-durationWindow:]
	}
	w.statsMu.Unlock()

	if err != nil {
		w.log.Error("flush failed, batch discarded",
			zap.Int("records", len(pending)), zap.Error(err))
	}
	return err
}

// Snapshot returns current counters including derived flush durations.
func (w *Writer) Snapshot() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s := w.stats
	w.mu.Lock()
	s.Pending = len(w.batch)
	w.mu.Unlock()

	if len(w.durations) > 0 {
		var sum time.Duration
		s.MinFlush = w.durations[0]
		for _, d := range w.durations {
			sum += d
			if d < s.MinFlush {
				s.MinFlush = d
			}
			if d > s.MaxFlush {
				s.MaxFlush = d
			}
		}
		s.AvgFlush = sum / time.Duration(len(w.durations))
	}
	return s
}
