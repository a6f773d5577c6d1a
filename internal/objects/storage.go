// storage.go
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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/batch"
	"github.com/osyshome/objectd/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PermissionsObject is the reserved object name carrying access rules.
const PermissionsObject = "_permissions"

// Storage is the process-wide object registry. Objects hydrate lazily on
// first access and are evicted on structural edits; the next access
// re-hydrates from the tables.
type Storage struct {
	db     *gorm.DB
	writer *batch.Writer
	loc    *time.Location
	log    *zap.Logger
	hooks  Hooks

	mu      sync.Mutex
	objects map[string]*ObjectManager
	naming  map[string]*sync.Mutex // per-name hydration locks
}

// NewStorage creates an empty registry. Hooks may be replaced later with
// SetHooks once the runtime exists.
func NewStorage(db *gorm.DB, writer *batch.Writer, loc *time.Location, log *zap.Logger) *Storage {
	if loc == nil {
		loc = time.UTC
	}
	return &Storage{
		db:      db,
		writer:  writer,
		loc:     loc,
		log:     log,
		hooks:   NoopHooks{},
		objects: make(map[string]*ObjectManager),
		naming:  make(map[string]*sync.Mutex),
	}
}

// SetHooks wires the runtime services in. Call before serving traffic.
func (s *Storage) SetHooks(h Hooks) { s.hooks = h }

// DB exposes the handle for history queries and structural edits.
func (s *Storage) DB() *gorm.DB { return s.db }

// Location returns the configured local timezone.
func (s *Storage) Location() *time.Location { return s.loc }

// GetObjectByName returns the live manager, hydrating on first access.
// Concurrent hydrations around the same name are deduplicated by a
// per-name lock; different names hydrate in parallel. ok is false when
// no such object exists.
func (s *Storage) GetObjectByName(name string) (*ObjectManager, bool, error) {
	s.mu.Lock()
	if om, ok := s.objects[name]; ok {
		s.mu.Unlock()
		return om, true, nil
	}
	nameLock, ok := s.naming[name]
	if !ok {
		nameLock = &sync.Mutex{}
		s.naming[name] = nameLock
	}
	s.mu.Unlock()

	nameLock.Lock()
	defer nameLock.Unlock()

	// another goroutine may have hydrated while we waited
	s.mu.Lock()
	if om, ok := s.objects[name]; ok {
		s.mu.Unlock()
		return om, true, nil
	}
	s.mu.Unlock()

	om, err := s.hydrate(name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	s.mu.Lock()
	s.objects[name] = om
	s.mu.Unlock()
	return om, true, nil
}

// hydrate materializes one ObjectManager from the tables: the object
// row, the class chain walked to the root, inherited then own property
// definitions (closer definitions override), value rows (duplicates
// merged), and methods composed per call_parent.
func (s *Storage) hydrate(name string) (*ObjectManager, error) {
	var obj models.Object
	if err := s.db.Where("name = ?", name).First(&obj).Error; err != nil {
		return nil, err
	}

	chain, err := s.classChain(obj.ClassID) // root first
	if err != nil {
		return nil, err
	}

	// property definitions, ancestor-first so later entries override
	propDefs := make(map[string]models.Property)
	order := []string{}
	addDef := func(def models.Property) {
		if _, seen := propDefs[def.Name]; !seen {
			order = append(order, def.Name)
		}
		propDefs[def.Name] = def
	}
	for _, c := range chain {
		var defs []models.Property
		if err := s.db.Where("class_id = ?", c.ID).Order("id").Find(&defs).Error; err != nil {
			return nil, err
		}
		for _, d := range defs {
			addDef(d)
		}
	}
	var ownDefs []models.Property
	if err := s.db.Where("object_id = ?", obj.ID).Order("id").Find(&ownDefs).Error; err != nil {
		return nil, err
	}
	for _, d := range ownDefs {
		addDef(d)
	}

	// method fragments grouped by name, ancestor-first then own
	fragments := make(map[string][]Fragment)
	fragOrder := []string{}
	addFrag := func(owner string, mrow models.Method) {
		if _, seen := fragments[mrow.Name]; !seen {
			fragOrder = append(fragOrder, mrow.Name)
		}
		fragments[mrow.Name] = append(fragments[mrow.Name], Fragment{
			ID:         mrow.ID,
			Owner:      owner,
			Code:       mrow.Code,
			CallParent: mrow.CallParent,
		})
	}
	for _, c := range chain {
		var rows []models.Method
		if err := s.db.Where("class_id = ?", c.ID).Order("id").Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			addFrag(c.Name, r)
		}
	}
	var ownMethods []models.Method
	if err := s.db.Where("object_id = ?", obj.ID).Order("id").Find(&ownMethods).Error; err != nil {
		return nil, err
	}
	for _, r := range ownMethods {
		addFrag(obj.Name, r)
	}

	// nearest-first chain refs for template resolution
	refs := make([]classRef, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		refs = append(refs, classRef{ID: chain[i].ID, Name: chain[i].Name, Template: chain[i].Template})
	}

	om := &ObjectManager{
		id:          obj.ID,
		name:        obj.Name,
		description: obj.Description,
		template:    obj.Template,
		chain:       refs,
		props:       make(map[string]*PropertyManager, len(propDefs)),
		methods:     make(map[string]*MethodManager, len(fragments)),
		storage:     s,
		log:         s.log,
	}

	for _, pname := range order {
		def := propDefs[pname]
		bound := ""
		if def.MethodID != nil {
			var mrow models.Method
			if err := s.db.First(&mrow, *def.MethodID).Error; err == nil {
				bound = mrow.Name
			}
		}
		pm := newPropertyManager(def, obj.ID, bound, s.loc, s.writer, s.db)
		row, err := s.loadValueRow(obj.ID, pname)
		if err != nil {
			return nil, err
		}
		if row != nil {
			pm.hydrate(row)
		}
		om.props[pname] = pm
	}

	for _, mname := range fragOrder {
		composed := ComposeFragments(fragments[mname])
		om.methods[mname] = newMethodManager(mname, "", composed)
	}

	return om, nil
}

// classChain walks parent links up to the root and returns the chain
// root-first. Cycles are cut defensively by a depth cap.
func (s *Storage) classChain(classID *uint64) ([]models.Class, error) {
	var chain []models.Class
	id := classID
	for depth := 0; id != nil && depth < 64; depth++ {
		var c models.Class
		if err := s.db.First(&c, *id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				break
			}
			return nil, err
		}
		chain = append([]models.Class{c}, chain...)
		id = c.ParentID
	}
	return chain, nil
}

// loadValueRow fetches the current Value row for (object, property),
// merging duplicates: history rows are re-pointed to the newest row and
// the extras are deleted in one transaction. Returns nil when no row
// exists yet.
func (s *Storage) loadValueRow(objectID uint64, name string) (*models.Value, error) {
	var rows []models.Value
	if err := s.db.Where("object_id = ? AND name = ?", objectID, name).
		Order("changed DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	}

	keeper := rows[0]
	extraIDs := make([]uint64, 0, len(rows)-1)
	for _, r := range rows[1:] {
		extraIDs = append(extraIDs, r.ID)
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.History{}).
			Where("value_id IN ?", extraIDs).
			Update("value_id", keeper.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Value{}, extraIDs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("merge duplicate values for value %d: %w", keeper.ID, err)
	}
	s.log.Warn("merged duplicate value rows",
		zap.Uint64("object_id", objectID), zap.String("property", name),
		zap.Int("extras", len(extraIDs)))
	return &keeper, nil
}

// ReloadObject evicts an object by row id; the next access re-hydrates.
func (s *Storage) ReloadObject(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, om := range s.objects {
		if om.id == id {
			delete(s.objects, name)
			return
		}
	}
}

// RemoveObject evicts an object by name.
func (s *Storage) RemoveObject(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
}

// ReloadObjectsByClass evicts every live object of the class and its
// transitive subclasses.
func (s *Storage) ReloadObjectsByClass(classID uint64) error {
	ids := map[uint64]bool{classID: true}
	frontier := []uint64{classID}
	for len(frontier) > 0 {
		var subs []models.Class
		if err := s.db.Where("parent_id IN ?", frontier).Find(&subs).Error; err != nil {
			return err
		}
		frontier = frontier[:0]
		for _, c := range subs {
			if !ids[c.ID] {
				ids[c.ID] = true
				frontier = append(frontier, c.ID)
			}
		}
	}

	classIDs := make([]uint64, 0, len(ids))
	for id := range ids {
		classIDs = append(classIDs, id)
	}
	var objs []models.Object
	if err := s.db.Where("class_id IN ?", classIDs).Find(&objs).Error; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objs {
		delete(s.objects, obj.Name)
	}
	return nil
}

// PreloadObjects hydrates every object; used before permission-audit
// snapshots and full exports.
func (s *Storage) PreloadObjects() error {
	var names []string
	if err := s.db.Model(&models.Object{}).Pluck("name", &names).Error; err != nil {
		return err
	}
	for _, name := range names {
		if _, _, err := s.GetObjectByName(name); err != nil {
			return fmt.Errorf("preload %s: %w", name, err)
		}
	}
	return nil
}

// LoadedNames returns the names of currently hydrated objects.
func (s *Storage) LoadedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for n := range s.objects {
		out = append(out, n)
	}
	return out
}

// Stats returns usage counters for every hydrated object.
func (s *Storage) Stats() []ObjectStats {
	s.mu.Lock()
	oms := make([]*ObjectManager, 0, len(s.objects))
	for _, om := range s.objects {
		oms = append(oms, om)
	}
	s.mu.Unlock()

	out := make([]ObjectStats, 0, len(oms))
	for _, om := range oms {
		out = append(out, om.Stats())
	}
	return out
}

// PolicyFor resolves the access policy for a target key from the
// _permissions object's dict properties. Reads bypass the permission
// gate and the read counters.
func (s *Storage) PolicyFor(target string) (Policy, bool) {
	om, ok, err := s.GetObjectByName(PermissionsObject)
	if err != nil || !ok {
		return nil, false
	}
	p, ok := om.Property(target)
	if !ok {
		return nil, false
	}
	policy := ParsePolicy(p.Peek())
	if len(policy) == 0 {
		return nil, false
	}
	return policy, true
}
