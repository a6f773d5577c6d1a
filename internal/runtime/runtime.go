// runtime.go
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

// Package runtime assembles the process: storage, batch writer, worker
// pools, scheduler, plugin host, notifications and the script engine,
// and exposes the embedded call surface scripts and handlers consume.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/osyshome/objectd/internal/batch"
	"github.com/osyshome/objectd/internal/config"
	"github.com/osyshome/objectd/internal/logging"
	"github.com/osyshome/objectd/internal/notify"
	"github.com/osyshome/objectd/internal/objects"
	"github.com/osyshome/objectd/internal/plugins"
	"github.com/osyshome/objectd/internal/pool"
	"github.com/osyshome/objectd/internal/scheduler"
	"github.com/osyshome/objectd/internal/scripts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const scriptTimeout = 60 * time.Second

// Runtime owns every long-lived component and their start/stop order.
type Runtime struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.Logger

	storage *objects.Storage
	writer  *batch.Writer
	sched   *scheduler.Scheduler
	host    *plugins.Host
	hub     *notify.Hub
	notify  *notify.Service
	engine  *scripts.Engine

	linkedPool *pool.Pool
	proxyPool  *pool.Pool
	sayPool    *pool.Pool
	soundPool  *pool.Pool
	jobPool    *pool.Pool

	started bool
}

// New wires the components together; nothing runs until Start.
func New(cfg *config.Config, db *gorm.DB) *Runtime {
	log := logging.Get("runtime")

	writer := batch.NewWriter(db, cfg.BatchWriterFlushInterval, logging.Get("batch"))
	storage := objects.NewStorage(db, writer, cfg.Location, logging.Get("objects"))
	hub := notify.NewHub(logging.Get("notify"))

	r := &Runtime{
		cfg:     cfg,
		db:      db,
		log:     log,
		storage: storage,
		writer:  writer,
		hub:     hub,
		notify:  notify.NewService(db, hub, logging.Get("notify")),
		engine:  scripts.New(scriptTimeout, logging.Get("scripts")),
		host:    plugins.NewHost(db, logging.Get("plugins")),

		linkedPool: newPool(cfg, "linked"),
		proxyPool:  newPool(cfg, "proxy"),
		sayPool:    newPool(cfg, "say"),
		soundPool:  newPool(cfg, "playsound"),
		jobPool:    newPool(cfg, "jobs"),
	}
	r.sched = scheduler.New(db, scheduler.RunnerFunc(r.runJob), cfg.SchedulerTickInterval, logging.Get("scheduler"))
	storage.SetHooks(r)
	return r
}

func newPool(cfg *config.Config, name string) *pool.Pool {
	return pool.New(name, cfg.PoolSize, cfg.PoolMaxSize, cfg.PoolTimeoutThreshold,
		logging.Get("pool."+name))
}

// Start brings the components up: writer first so early writes queue,
// plugins, then the scheduler last so dispatched jobs find everything
// running.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return fmt.Errorf("runtime: already started")
	}
	r.started = true

	r.writer.Start()
	if err := r.storage.PreloadObjects(); err != nil {
		return fmt.Errorf("runtime: preload objects: %w", err)
	}
	if err := r.host.Start(ctx); err != nil {
		return fmt.Errorf("runtime: plugin host: %w", err)
	}
	r.sched.Start()
	r.log.Info("runtime started",
		zap.Int("objects", len(r.storage.LoadedNames())),
		zap.Int("pool_size", r.cfg.PoolSize),
		zap.Duration("flush_interval", r.cfg.BatchWriterFlushInterval))
	return nil
}

// Stop tears components down in reverse order, draining the pools and
// flushing the writer so no accepted write is lost.
func (r *Runtime) Stop() {
	if !r.started {
		return
	}
	r.started = false

	r.sched.Stop()
	r.host.Stop()
	for _, p := range []*pool.Pool{r.jobPool, r.linkedPool, r.proxyPool, r.sayPool, r.soundPool} {
		p.Shutdown(true)
	}
	r.writer.Stop()
	r.log.Info("runtime stopped")
}

// Storage exposes the object registry for handlers and tests.
func (r *Runtime) Storage() *objects.Storage { return r.storage }

// Hub exposes the websocket hub for the admin app.
func (r *Runtime) Hub() *notify.Hub { return r.hub }

// runJob is the scheduler dispatch target: the body runs on the job
// pool with the persisted source threaded through.
func (r *Runtime) runJob(ctx context.Context, name, code, source string) error {
	_, err := r.jobPool.Submit("job:"+name, func() error {
		out, err := r.engine.Run(context.Background(), code, r.bindings("", nil, source))
		if err != nil {
			return fmt.Errorf("job %s: %w (output: %s)", name, err, out)
		}
		return nil
	})
	return err
}

// Stats aggregates component snapshots for the admin /stats endpoint.
func (r *Runtime) Stats() map[string]any {
	return map[string]any{
		"objects": r.storage.Stats(),
		"batch":   r.writer.Snapshot(),
		"pools": map[string]pool.Stats{
			"linked":    r.linkedPool.Snapshot(),
			"proxy":     r.proxyPool.Snapshot(),
			"say":       r.sayPool.Snapshot(),
			"playsound": r.soundPool.Snapshot(),
			"jobs":      r.jobPool.Snapshot(),
		},
		"objects_loaded":    r.storage.LoadedNames(),
		"websocket_clients": r.hub.Count(),
	}
}
