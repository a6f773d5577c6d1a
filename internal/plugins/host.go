package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCycleInterval = time.Second

// Host owns plugin lifecycles: it records every registered plugin in
// the plugins table, runs initialization, and keeps one goroutine per
// cycle plugin until Stop.
type Host struct {
	db  *gorm.DB
	log *zap.Logger

	mu      sync.Mutex
	byName  map[string]Plugin
	stops   map[string]chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewHost(db *gorm.DB, log *zap.Logger) *Host {
	return &Host{
		db:     db,
		log:    log,
		byName: make(map[string]Plugin),
		stops:  make(map[string]chan struct{}),
	}
}

// Start records and initializes every registered plugin, then launches
// cycle loops. Initialization errors deactivate the plugin but do not
// abort startup.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("plugins: host already started")
	}
	h.started = true

	for _, p := range Registered() {
		rec := models.PluginRecord{
			Name:    p.Name(),
			Actions: joinActions(p.Actions()),
			Active:  true,
		}
		if err := h.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"actions", "active", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return fmt.Errorf("plugins: record %s: %w", p.Name(), err)
		}

		if init, ok := p.(Initializer); ok {
			if err := init.Initialization(ctx); err != nil {
				h.log.Error("plugin initialization failed",
					zap.String("plugin", p.Name()), zap.Error(err))
				h.db.Model(&models.PluginRecord{}).
					Where("name = ?", p.Name()).Update("active", false)
				continue
			}
		}
		h.byName[p.Name()] = p

		if cycler, ok := p.(Cycler); ok && hasAction(p, ActionCycle) {
			stop := make(chan struct{})
			h.stops[p.Name()] = stop
			h.wg.Add(1)
			go h.cycleLoop(p.Name(), cycler, stop)
		}
	}
	return nil
}

// Stop signals every cycle loop and waits for them to drain.
func (h *Host) Stop() {
	h.mu.Lock()
	for _, stop := range h.stops {
		close(stop)
	}
	h.stops = make(map[string]chan struct{})
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Host) cycleLoop(name string, c Cycler, stop chan struct{}) {
	defer h.wg.Done()
	interval := defaultCycleInterval
	if ci, ok := c.(CycleIntervaler); ok && ci.CycleInterval() > 0 {
		interval = ci.CycleInterval()
	}
	log := h.log.With(zap.String("plugin", name))
	for {
		select {
		case <-stop:
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("cycle panic", zap.Any("panic", r))
				}
			}()
			if err := c.CyclicTask(context.Background()); err != nil {
				log.Error("cycle error", zap.Error(err))
			}
		}()

		if err := h.db.Model(&models.PluginRecord{}).
			Where("name = ?", name).
			Update("updated_at", time.Now().UTC()).Error; err != nil {
			log.Error("cycle heartbeat", zap.Error(err))
		}

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

// GetModule returns an active plugin by name.
func (h *Host) GetModule(name string) (Plugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.byName[name]
	return p, ok
}

// GetModulesByAction returns active plugins declaring the action.
func (h *Host) GetModulesByAction(action string) []Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Plugin
	for _, p := range h.byName {
		if hasAction(p, action) {
			out = append(out, p)
		}
	}
	return out
}

// Search fans a query to every search plugin; a failing plugin
// contributes an error row instead of aborting the whole search.
func (h *Host) Search(query string) []SearchResult {
	var out []SearchResult
	for _, p := range h.GetModulesByAction(ActionSearch) {
		searcher, ok := p.(Searcher)
		if !ok {
			continue
		}
		rows, err := safeSearch(searcher, query)
		if err != nil {
			h.log.Error("plugin search failed",
				zap.String("plugin", p.Name()), zap.Error(err))
			out = append(out, SearchResult{
				Name:        p.Name(),
				Description: fmt.Sprintf("search error: %v", err),
			})
			continue
		}
		out = append(out, rows...)
	}
	return out
}

// Widgets collects dashboard data from every widget plugin, keyed by
// plugin name. A failing plugin contributes an error entry.
func (h *Host) Widgets() map[string]any {
	out := make(map[string]any)
	for _, p := range h.GetModulesByAction(ActionWidget) {
		w, ok := p.(Widgeter)
		if !ok {
			continue
		}
		data, err := safeWidget(w)
		if err != nil {
			h.log.Error("plugin widget failed",
				zap.String("plugin", p.Name()), zap.Error(err))
			out[p.Name()] = map[string]any{"error": err.Error()}
			continue
		}
		out[p.Name()] = data
	}
	return out
}

func safeSearch(s Searcher, query string) (rows []SearchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Search(query)
}

func safeWidget(w Widgeter) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Widget()
}

func hasAction(p Plugin, action string) bool {
	for _, a := range p.Actions() {
		if a == action {
			return true
		}
	}
	return false
}

func joinActions(actions []string) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}
