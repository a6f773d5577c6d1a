// transfer.go
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

// Package transfer moves object graphs in and out of the process as
// JSON bundles. Entries reference parents, classes and objects by name
// so a bundle survives id renumbering between installations.
package transfer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/objects"
	"github.com/osyshome/objectd/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Bundle is the wire format. Single entries in place of arrays are
// tolerated on input.
type Bundle struct {
	Classes    types.FlexList[ClassEntry]    `json:"classes,omitempty"`
	Objects    types.FlexList[ObjectEntry]   `json:"objects,omitempty"`
	Properties types.FlexList[PropertyEntry] `json:"properties,omitempty"`
	Methods    types.FlexList[MethodEntry]   `json:"methods,omitempty"`
	Values     types.FlexList[ValueEntry]    `json:"values,omitempty"`
}

type ClassEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Template    string `json:"template,omitempty"`
}

type ObjectEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Class       string `json:"class,omitempty"`
	Template    string `json:"template,omitempty"`
}

type PropertyEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Class       string         `json:"class,omitempty"`
	Object      string         `json:"object,omitempty"`
	Type        string         `json:"type,omitempty"`
	History     types.FlexInt  `json:"history,omitempty"`
	Method      string         `json:"method,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

type MethodEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Class       string         `json:"class,omitempty"`
	Object      string         `json:"object,omitempty"`
	Code        string         `json:"code,omitempty"`
	CallParent  *types.FlexInt `json:"call_parent,omitempty"`
}

type ValueEntry struct {
	Object  string `json:"object"`
	Name    string `json:"name"`
	Value   string `json:"value"`
	Changed string `json:"changed,omitempty"`
	Source  string `json:"source,omitempty"`
}

// ImportOptions select which sections apply and whether existing
// entities are overwritten.
type ImportOptions struct {
	Rewrite bool // overwrite existing entities instead of skipping
	Classes bool // import the classes section with its definitions
	Objects bool // import the objects section with values
}

// Service reads and writes bundles against the graph tables. Storage,
// when set, is invalidated for every touched object and class.
type Service struct {
	db      *gorm.DB
	storage *objects.Storage
}

func NewService(db *gorm.DB, storage *objects.Storage) *Service {
	return &Service{db: db, storage: storage}
}

// Export renders the whole graph into a bundle. Values carry the
// encoded string form; history is not exported.
func (s *Service) Export() (*Bundle, error) {
	return s.export(nil)
}

// ExportObjects renders only the named objects, their definitions and
// the classes on their inheritance chains.
func (s *Service) ExportObjects(names []string) (*Bundle, error) {
	if len(names) == 0 {
		return &Bundle{}, nil
	}
	return s.export(names)
}

func (s *Service) export(onlyObjects []string) (*Bundle, error) {
	var (
		classes []models.Class
		objs    []models.Object
	)
	if err := s.db.Order("id").Find(&classes).Error; err != nil {
		return nil, err
	}
	classByID := make(map[uint64]models.Class, len(classes))
	for _, c := range classes {
		classByID[c.ID] = c
	}

	objQ := s.db.Order("id")
	if onlyObjects != nil {
		objQ = objQ.Where("name IN ?", onlyObjects)
	}
	if err := objQ.Find(&objs).Error; err != nil {
		return nil, err
	}

	// narrow classes to the chains of the selected objects
	keepClass := map[uint64]bool{}
	if onlyObjects != nil {
		for _, o := range objs {
			id := o.ClassID
			for id != nil {
				if keepClass[*id] {
					break
				}
				keepClass[*id] = true
				c, ok := classByID[*id]
				if !ok {
					break
				}
				id = c.ParentID
			}
		}
	}

	objByID := make(map[uint64]string, len(objs))
	out := &Bundle{}
	for _, c := range classes {
		if onlyObjects != nil && !keepClass[c.ID] {
			continue
		}
		entry := ClassEntry{Name: c.Name, Description: c.Description, Template: c.Template}
		if c.ParentID != nil {
			entry.Parent = classByID[*c.ParentID].Name
		}
		out.Classes = append(out.Classes, entry)
	}
	for _, o := range objs {
		objByID[o.ID] = o.Name
		entry := ObjectEntry{Name: o.Name, Description: o.Description, Template: o.Template}
		if o.ClassID != nil {
			entry.Class = classByID[*o.ClassID].Name
		}
		out.Objects = append(out.Objects, entry)
	}

	var methods []models.Method
	if err := s.db.Order("id").Find(&methods).Error; err != nil {
		return nil, err
	}
	methodByID := make(map[uint64]models.Method, len(methods))
	for _, m := range methods {
		methodByID[m.ID] = m
		entry := MethodEntry{Name: m.Name, Description: m.Description, Code: m.Code}
		if m.ClassID != nil {
			if onlyObjects != nil && !keepClass[*m.ClassID] {
				continue
			}
			entry.Class = classByID[*m.ClassID].Name
		}
		if m.ObjectID != nil {
			name, ok := objByID[*m.ObjectID]
			if !ok {
				continue
			}
			entry.Object = name
		}
		if m.CallParent != nil {
			cp := types.FlexInt(*m.CallParent)
			entry.CallParent = &cp
		}
		out.Methods = append(out.Methods, entry)
	}

	var props []models.Property
	if err := s.db.Order("id").Find(&props).Error; err != nil {
		return nil, err
	}
	for _, p := range props {
		entry := PropertyEntry{
			Name:        p.Name,
			Description: p.Description,
			Type:        p.Type,
			History:     types.FlexInt(p.HistoryDays),
		}
		if p.ClassID != nil {
			if onlyObjects != nil && !keepClass[*p.ClassID] {
				continue
			}
			entry.Class = classByID[*p.ClassID].Name
		}
		if p.ObjectID != nil {
			name, ok := objByID[*p.ObjectID]
			if !ok {
				continue
			}
			entry.Object = name
		}
		if p.MethodID != nil {
			entry.Method = methodByID[*p.MethodID].Name
		}
		if len(p.Params) > 0 {
			var params map[string]any
			if err := json.Unmarshal(p.Params, &params); err == nil {
				entry.Params = params
			}
		}
		out.Properties = append(out.Properties, entry)
	}

	var values []models.Value
	valQ := s.db.Order("id")
	if err := valQ.Find(&values).Error; err != nil {
		return nil, err
	}
	for _, v := range values {
		name, ok := objByID[v.ObjectID]
		if !ok {
			continue
		}
		out.Values = append(out.Values, ValueEntry{
			Object:  name,
			Name:    v.Name,
			Value:   v.Value,
			Changed: v.Changed.UTC().Format(objects.DatetimeLayout),
			Source:  v.Source,
		})
	}
	return out, nil
}

// Import applies a bundle in one transaction, then invalidates every
// touched object so the next access re-hydrates. Entities referenced by
// name must either exist already or appear earlier in the bundle.
func (s *Service) Import(b *Bundle, opts ImportOptions) error {
	touchedObjects := map[string]bool{}
	touchedClasses := []uint64{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		classIDs := map[string]uint64{}
		lookupClass := func(name string) (uint64, error) {
			if id, ok := classIDs[name]; ok {
				return id, nil
			}
			var c models.Class
			if err := tx.Where("name = ?", name).First(&c).Error; err != nil {
				return 0, fmt.Errorf("import: unknown class %q: %w", name, err)
			}
			classIDs[name] = c.ID
			return c.ID, nil
		}

		if opts.Classes {
			for _, entry := range b.Classes {
				var parentID *uint64
				if entry.Parent != "" {
					id, err := lookupClass(entry.Parent)
					if err != nil {
						return err
					}
					parentID = &id
				}
				var existing models.Class
				err := tx.Where("name = ?", entry.Name).First(&existing).Error
				switch {
				case err == gorm.ErrRecordNotFound:
					c := models.Class{
						Name:        entry.Name,
						Description: entry.Description,
						ParentID:    parentID,
						Template:    entry.Template,
					}
					if err := tx.Create(&c).Error; err != nil {
						return err
					}
					classIDs[c.Name] = c.ID
					touchedClasses = append(touchedClasses, c.ID)
				case err != nil:
					return err
				case opts.Rewrite:
					existing.Description = entry.Description
					existing.ParentID = parentID
					existing.Template = entry.Template
					if err := tx.Save(&existing).Error; err != nil {
						return err
					}
					classIDs[existing.Name] = existing.ID
					touchedClasses = append(touchedClasses, existing.ID)
				default:
					classIDs[existing.Name] = existing.ID
				}
			}
		}

		objectIDs := map[string]uint64{}
		lookupObject := func(name string) (uint64, error) {
			if id, ok := objectIDs[name]; ok {
				return id, nil
			}
			var o models.Object
			if err := tx.Where("name = ?", name).First(&o).Error; err != nil {
				return 0, fmt.Errorf("import: unknown object %q: %w", name, err)
			}
			objectIDs[name] = o.ID
			return o.ID, nil
		}

		if opts.Objects {
			for _, entry := range b.Objects {
				var classID *uint64
				if entry.Class != "" {
					id, err := lookupClass(entry.Class)
					if err != nil {
						return err
					}
					classID = &id
				}
				var existing models.Object
				err := tx.Where("name = ?", entry.Name).First(&existing).Error
				switch {
				case err == gorm.ErrRecordNotFound:
					o := models.Object{
						Name:        entry.Name,
						Description: entry.Description,
						ClassID:     classID,
						Template:    entry.Template,
					}
					if err := tx.Create(&o).Error; err != nil {
						return err
					}
					objectIDs[o.Name] = o.ID
					touchedObjects[o.Name] = true
				case err != nil:
					return err
				case opts.Rewrite:
					existing.Description = entry.Description
					existing.ClassID = classID
					existing.Template = entry.Template
					if err := tx.Save(&existing).Error; err != nil {
						return err
					}
					objectIDs[existing.Name] = existing.ID
					touchedObjects[existing.Name] = true
				default:
					objectIDs[existing.Name] = existing.ID
				}
			}
		}

		for _, entry := range b.Methods {
			if entry.Class != "" && !opts.Classes {
				continue
			}
			if entry.Object != "" && !opts.Objects {
				continue
			}
			m := models.Method{
				Name:        entry.Name,
				Description: entry.Description,
				Code:        entry.Code,
			}
			if entry.CallParent != nil {
				cp := entry.CallParent.Int()
				m.CallParent = &cp
			}
			owner := tx.Model(&models.Method{}).Where("name = ?", entry.Name)
			switch {
			case entry.Class != "":
				id, err := lookupClass(entry.Class)
				if err != nil {
					return err
				}
				m.ClassID = &id
				owner = owner.Where("class_id = ?", id)
			case entry.Object != "":
				id, err := lookupObject(entry.Object)
				if err != nil {
					return err
				}
				m.ObjectID = &id
				owner = owner.Where("object_id = ?", id)
				touchedObjects[entry.Object] = true
			default:
				return fmt.Errorf("import: method %q has no owner", entry.Name)
			}

			var existing models.Method
			err := owner.First(&existing).Error
			switch {
			case err == gorm.ErrRecordNotFound:
				if err := tx.Create(&m).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			case opts.Rewrite:
				m.ID = existing.ID
				m.CreatedAt = existing.CreatedAt
				if err := tx.Save(&m).Error; err != nil {
					return err
				}
			}
		}

		lookupMethod := func(name string, classID, objectID *uint64) (*uint64, error) {
			q := tx.Model(&models.Method{}).Where("name = ?", name)
			switch {
			case objectID != nil:
				q = q.Where("object_id = ?", *objectID)
			case classID != nil:
				q = q.Where("class_id = ?", *classID)
			}
			var m models.Method
			if err := q.First(&m).Error; err != nil {
				return nil, fmt.Errorf("import: unknown bound method %q: %w", name, err)
			}
			return &m.ID, nil
		}

		for _, entry := range b.Properties {
			if entry.Class != "" && !opts.Classes {
				continue
			}
			if entry.Object != "" && !opts.Objects {
				continue
			}
			p := models.Property{
				Name:        entry.Name,
				Description: entry.Description,
				Type:        entry.Type,
				HistoryDays: entry.History.Int(),
			}
			if len(entry.Params) > 0 {
				raw, err := json.Marshal(entry.Params)
				if err != nil {
					return fmt.Errorf("import: property %q params: %w", entry.Name, err)
				}
				p.Params = datatypes.JSON(raw)
			}
			owner := tx.Model(&models.Property{}).Where("name = ?", entry.Name)
			switch {
			case entry.Class != "":
				id, err := lookupClass(entry.Class)
				if err != nil {
					return err
				}
				p.ClassID = &id
				owner = owner.Where("class_id = ?", id)
			case entry.Object != "":
				id, err := lookupObject(entry.Object)
				if err != nil {
					return err
				}
				p.ObjectID = &id
				owner = owner.Where("object_id = ?", id)
				touchedObjects[entry.Object] = true
			default:
				return fmt.Errorf("import: property %q has no owner", entry.Name)
			}
			if entry.Method != "" {
				id, err := lookupMethod(entry.Method, p.ClassID, p.ObjectID)
				if err != nil {
					return err
				}
				p.MethodID = id
			}

			var existing models.Property
			err := owner.First(&existing).Error
			switch {
			case err == gorm.ErrRecordNotFound:
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			case opts.Rewrite:
				p.ID = existing.ID
				p.CreatedAt = existing.CreatedAt
				if err := tx.Save(&p).Error; err != nil {
					return err
				}
			}
		}

		if opts.Objects {
			for _, entry := range b.Values {
				objID, err := lookupObject(entry.Object)
				if err != nil {
					return err
				}
				changed := time.Now().UTC()
				if entry.Changed != "" {
					if t, err := time.Parse(objects.DatetimeLayout, entry.Changed); err == nil {
						changed = t.UTC()
					}
				}
				var existing models.Value
				err = tx.Where("object_id = ? AND name = ?", objID, entry.Name).
					First(&existing).Error
				switch {
				case err == gorm.ErrRecordNotFound:
					v := models.Value{
						ObjectID: objID,
						Name:     entry.Name,
						Value:    entry.Value,
						Changed:  changed,
						Source:   entry.Source,
					}
					if err := tx.Create(&v).Error; err != nil {
						return err
					}
				case err != nil:
					return err
				case opts.Rewrite:
					if err := tx.Model(&existing).Updates(map[string]any{
						"value":   entry.Value,
						"changed": changed,
						"source":  entry.Source,
					}).Error; err != nil {
						return err
					}
				}
				touchedObjects[entry.Object] = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.storage != nil {
		for name := range touchedObjects {
			s.storage.RemoveObject(name)
		}
		for _, id := range touchedClasses {
			if err := s.storage.ReloadObjectsByClass(id); err != nil {
				return fmt.Errorf("invalidate class %d after import: %w", id, err)
			}
		}
	}
	return nil
}
