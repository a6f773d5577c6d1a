// scheduler.go
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

// Package scheduler keeps a persisted queue of named jobs, one-shot or
// cron-recurring, and a single tick loop that dispatches due jobs into
// the script runner.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultExpireSeconds is how long an undispatched one-shot job stays
// eligible past its runtime before the reaper drops it.
const DefaultExpireSeconds = 1800

// Runner executes one job body; the runtime wires its script engine in.
type Runner interface {
	RunJob(ctx context.Context, name, code, source string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name, code, source string) error

func (f RunnerFunc) RunJob(ctx context.Context, name, code, source string) error {
	return f(ctx, name, code, source)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns the tasks table. Job mutations are safe from any
// goroutine; Start launches the tick loop.
type Scheduler struct {
	db     *gorm.DB
	runner Runner
	log    *zap.Logger
	tick   time.Duration

	mu    sync.Mutex
	names map[string]*sync.Mutex // per-name serialization

	stop chan struct{}
	done chan struct{}
}

func New(db *gorm.DB, runner Runner, tick time.Duration, log *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		db:     db,
		runner: runner,
		log:    log,
		tick:   tick,
		names:  make(map[string]*sync.Mutex),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.names[name]
	if !ok {
		l = &sync.Mutex{}
		s.names[name] = l
	}
	return l
}

// AddScheduledJob upserts a one-shot job by name. runAt is stored UTC;
// expireSeconds <= 0 falls back to the default.
func (s *Scheduler) AddScheduledJob(name, code string, runAt time.Time, expireSeconds int, source string) error {
	if name == "" {
		return fmt.Errorf("scheduler: empty job name")
	}
	if expireSeconds <= 0 {
		expireSeconds = DefaultExpireSeconds
	}
	l := s.nameLock(name)
	l.Lock()
	defer l.Unlock()

	runAt = runAt.UTC()
	task := models.Task{
		Name:    name,
		Code:    code,
		Runtime: runAt,
		Expire:  runAt.Add(time.Duration(expireSeconds) * time.Second),
		Source:  source,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"code", "runtime", "expire", "cron_expr", "started", "source", "updated_at",
		}),
	}).Create(&task).Error
}

// AddCronJob upserts a recurring job; runtime is set to the next firing
// of the expression.
func (s *Scheduler) AddCronJob(name, code, cronExpr, source string) error {
	if name == "" {
		return fmt.Errorf("scheduler: empty job name")
	}
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("scheduler: bad cron expression %q: %w", cronExpr, err)
	}
	l := s.nameLock(name)
	l.Lock()
	defer l.Unlock()

	next := sched.Next(time.Now().UTC())
	task := models.Task{
		Name:     name,
		Code:     code,
		Runtime:  next,
		Expire:   next.Add(DefaultExpireSeconds * time.Second),
		CronExpr: cronExpr,
		Source:   source,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"code", "runtime", "expire", "cron_expr", "started", "source", "updated_at",
		}),
	}).Create(&task).Error
}

// SetTimeout schedules code to run once after the given number of
// seconds.
func (s *Scheduler) SetTimeout(name, code string, seconds int, source string) error {
	return s.AddScheduledJob(name, code, time.Now().UTC().Add(time.Duration(seconds)*time.Second), 0, source)
}

// ClearScheduledJob deletes jobs whose name matches the glob; * matches
// any run of characters.
func (s *Scheduler) ClearScheduledJob(nameGlob string) error {
	pattern := strings.ReplaceAll(nameGlob, "*", "%")
	return s.db.Where("name LIKE ?", pattern).Delete(&models.Task{}).Error
}

// GetJob returns a job by exact name; ok is false when absent.
func (s *Scheduler) GetJob(name string) (*models.Task, bool, error) {
	var t models.Task
	err := s.db.Where("name = ?", name).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// GetJobs lists pending jobs ordered by runtime.
func (s *Scheduler) GetJobs() ([]models.Task, error) {
	var out []models.Task
	err := s.db.Order("runtime ASC").Find(&out).Error
	return out, err
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop terminates the tick loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tickOnce()
		}
	}
}

// tickOnce reaps expired one-shot jobs, reserves and dispatches every
// job due now, then re-arms cron jobs or deletes one-shots.
func (s *Scheduler) tickOnce() {
	now := time.Now().UTC()

	res := s.db.Where("expire < ? AND started IS NULL AND cron_expr = ''", now).
		Delete(&models.Task{})
	if res.Error != nil {
		s.log.Error("reap expired jobs", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		s.log.Warn("reaped expired jobs", zap.Int64("count", res.RowsAffected))
	}

	var due []models.Task
	if err := s.db.Where("runtime <= ? AND started IS NULL", now).
		Order("runtime ASC").Find(&due).Error; err != nil {
		s.log.Error("select due jobs", zap.Error(err))
		return
	}

	for _, task := range due {
		s.dispatch(task, now)
	}
}

func (s *Scheduler) dispatch(task models.Task, now time.Time) {
	l := s.nameLock(task.Name)
	l.Lock()
	defer l.Unlock()

	// reserve; a concurrent re-add resets started and wins
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND started IS NULL", task.ID).
		Update("started", now)
	if res.Error != nil {
		s.log.Error("reserve job", zap.String("job", task.Name), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	if err := s.runner.RunJob(context.Background(), task.Name, task.Code, task.Source); err != nil {
		s.log.Error("job dispatch failed", zap.String("job", task.Name), zap.Error(err))
	}

	if task.CronExpr != "" {
		sched, err := cronParser.Parse(task.CronExpr)
		if err != nil {
			s.log.Error("re-arm cron job", zap.String("job", task.Name), zap.Error(err))
			if err := s.db.Delete(&models.Task{}, task.ID).Error; err != nil {
				s.log.Error("delete broken cron job", zap.String("job", task.Name), zap.Error(err))
			}
			return
		}
		// strictly after the fired runtime so a slow tick cannot
		// re-fire the same slot
		next := sched.Next(task.Runtime)
		for !next.After(now) {
			next = sched.Next(next)
		}
		err = s.db.Model(&models.Task{}).Where("id = ?", task.ID).
			Updates(map[string]any{
				"runtime": next,
				"expire":  next.Add(DefaultExpireSeconds * time.Second),
				"started": nil,
			}).Error
		if err != nil {
			s.log.Error("re-arm cron job", zap.String("job", task.Name), zap.Error(err))
		}
		return
	}

	if err := s.db.Delete(&models.Task{}, task.ID).Error; err != nil {
		s.log.Error("delete finished job", zap.String("job", task.Name), zap.Error(err))
	}
}
