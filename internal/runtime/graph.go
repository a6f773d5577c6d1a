package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/osyshome/objectd/internal/models"
	"gorm.io/gorm"
)

// Structural edits of the object graph. Every mutation invalidates the
// affected live objects so the next access re-hydrates the new shape.

// AddClass creates a class, optionally under a parent.
func (r *Runtime) AddClass(ctx context.Context, name, description, parentName, template string) (*models.Class, error) {
	c := models.Class{Name: name, Description: description, Template: template}
	if parentName != "" {
		var parent models.Class
		if err := r.db.Where("name = ?", parentName).First(&parent).Error; err != nil {
			return nil, fmt.Errorf("add class %s: unknown parent %q: %w", name, parentName, err)
		}
		c.ParentID = &parent.ID
	}
	if err := r.db.Create(&c).Error; err != nil {
		return nil, fmt.Errorf("add class %s: %w", name, err)
	}
	return &c, nil
}

// AddObject creates an object, optionally instantiating a class.
func (r *Runtime) AddObject(ctx context.Context, name, description, className, template string) (*models.Object, error) {
	o := models.Object{Name: name, Description: description, Template: template}
	if className != "" {
		var c models.Class
		if err := r.db.Where("name = ?", className).First(&c).Error; err != nil {
			return nil, fmt.Errorf("add object %s: unknown class %q: %w", name, className, err)
		}
		o.ClassID = &c.ID
	}
	if err := r.db.Create(&o).Error; err != nil {
		return nil, fmt.Errorf("add object %s: %w", name, err)
	}
	r.storage.RemoveObject(name)
	return &o, nil
}

// PropertySpec describes a property definition to add.
type PropertySpec struct {
	Name        string
	Description string
	Type        string
	HistoryDays int
	Method      string // bound method name resolved in the owner scope
}

// AddClassProperty attaches a property definition to a class; every
// object of the class and its subclasses picks it up on re-hydration.
func (r *Runtime) AddClassProperty(ctx context.Context, className string, spec PropertySpec) (*models.Property, error) {
	var c models.Class
	if err := r.db.Where("name = ?", className).First(&c).Error; err != nil {
		return nil, fmt.Errorf("add property to class %s: %w", className, err)
	}
	p := models.Property{
		Name:        spec.Name,
		Description: spec.Description,
		ClassID:     &c.ID,
		Type:        spec.Type,
		HistoryDays: spec.HistoryDays,
	}
	if spec.Method != "" {
		id, err := r.resolveMethodID(spec.Method, &c.ID, nil)
		if err != nil {
			return nil, err
		}
		p.MethodID = id
	}
	if err := r.db.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("add property %s.%s: %w", className, spec.Name, err)
	}
	if err := r.storage.ReloadObjectsByClass(c.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddObjectProperty attaches a property definition to one object.
func (r *Runtime) AddObjectProperty(ctx context.Context, objectName string, spec PropertySpec) (*models.Property, error) {
	om, err := r.object(objectName)
	if err != nil {
		return nil, err
	}
	if err := om.CheckEdit(ctx); err != nil {
		return nil, err
	}
	id := om.ID()
	p := models.Property{
		Name:        spec.Name,
		Description: spec.Description,
		ObjectID:    &id,
		Type:        spec.Type,
		HistoryDays: spec.HistoryDays,
	}
	if spec.Method != "" {
		mid, err := r.resolveMethodID(spec.Method, nil, &id)
		if err != nil {
			return nil, err
		}
		p.MethodID = mid
	}
	if err := r.db.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("add property %s.%s: %w", objectName, spec.Name, err)
	}
	r.storage.RemoveObject(objectName)
	return &p, nil
}

// MethodSpec describes a method fragment to add. CallParent nil means
// append after inherited fragments.
type MethodSpec struct {
	Name        string
	Description string
	Code        string
	CallParent  *int
}

// AddClassMethod attaches a method fragment to a class.
func (r *Runtime) AddClassMethod(ctx context.Context, className string, spec MethodSpec) (*models.Method, error) {
	var c models.Class
	if err := r.db.Where("name = ?", className).First(&c).Error; err != nil {
		return nil, fmt.Errorf("add method to class %s: %w", className, err)
	}
	m := models.Method{
		Name:        spec.Name,
		Description: spec.Description,
		ClassID:     &c.ID,
		Code:        spec.Code,
		CallParent:  spec.CallParent,
	}
	if err := r.db.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("add method %s.%s: %w", className, spec.Name, err)
	}
	if err := r.storage.ReloadObjectsByClass(c.ID); err != nil {
		return nil, err
	}
	return &m, nil
}

// AddObjectMethod attaches a method fragment to one object.
func (r *Runtime) AddObjectMethod(ctx context.Context, objectName string, spec MethodSpec) (*models.Method, error) {
	om, err := r.object(objectName)
	if err != nil {
		return nil, err
	}
	if err := om.CheckEdit(ctx); err != nil {
		return nil, err
	}
	id := om.ID()
	m := models.Method{
		Name:        spec.Name,
		Description: spec.Description,
		ObjectID:    &id,
		Code:        spec.Code,
		CallParent:  spec.CallParent,
	}
	if err := r.db.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("add method %s.%s: %w", objectName, spec.Name, err)
	}
	r.storage.RemoveObject(objectName)
	return &m, nil
}

func (r *Runtime) resolveMethodID(name string, classID, objectID *uint64) (*uint64, error) {
	q := r.db.Model(&models.Method{}).Where("name = ?", name)
	switch {
	case objectID != nil:
		q = q.Where("object_id = ?", *objectID)
	case classID != nil:
		q = q.Where("class_id = ?", *classID)
	}
	var m models.Method
	if err := q.First(&m).Error; err != nil {
		return nil, fmt.Errorf("unknown bound method %q: %w", name, err)
	}
	return &m.ID, nil
}

// DeleteObject removes an object with its definitions, values and
// history in one transaction.
func (r *Runtime) DeleteObject(ctx context.Context, name string) error {
	om, ok, err := r.storage.GetObjectByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := om.CheckEdit(ctx); err != nil {
		return err
	}
	id := om.ID()

	err = r.db.Transaction(func(tx *gorm.DB) error {
		var valueIDs []uint64
		if err := tx.Model(&models.Value{}).Where("object_id = ?", id).
			Pluck("id", &valueIDs).Error; err != nil {
			return err
		}
		if len(valueIDs) > 0 {
			if err := tx.Where("value_id IN ?", valueIDs).Delete(&models.History{}).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id = ?", id).Delete(&models.Value{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("object_id = ?", id).Delete(&models.Property{}).Error; err != nil {
			return err
		}
		if err := tx.Where("object_id = ?", id).Delete(&models.Method{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Object{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", name, err)
	}
	r.storage.RemoveObject(name)
	return nil
}

// DeleteObjectProperty removes one object-level property definition
// with its value and history rows atomically.
func (r *Runtime) DeleteObjectProperty(ctx context.Context, objectName, propName string) error {
	om, err := r.object(objectName)
	if err != nil {
		return err
	}
	if err := om.CheckEdit(ctx); err != nil {
		return err
	}
	id := om.ID()

	err = r.db.Transaction(func(tx *gorm.DB) error {
		var valueIDs []uint64
		if err := tx.Model(&models.Value{}).
			Where("object_id = ? AND name = ?", id, propName).
			Pluck("id", &valueIDs).Error; err != nil {
			return err
		}
		if len(valueIDs) > 0 {
			if err := tx.Where("value_id IN ?", valueIDs).Delete(&models.History{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.Value{}, valueIDs).Error; err != nil {
				return err
			}
		}
		return tx.Where("object_id = ? AND name = ?", id, propName).
			Delete(&models.Property{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete property %s.%s: %w", objectName, propName, err)
	}
	r.storage.RemoveObject(objectName)
	return nil
}

// DeleteObjectMethod removes one object-level method fragment.
func (r *Runtime) DeleteObjectMethod(ctx context.Context, objectName, methodName string) error {
	om, err := r.object(objectName)
	if err != nil {
		return err
	}
	if err := om.CheckEdit(ctx); err != nil {
		return err
	}
	id := om.ID()
	if err := r.db.Where("object_id = ? AND name = ?", id, methodName).
		Delete(&models.Method{}).Error; err != nil {
		return fmt.Errorf("delete method %s.%s: %w", objectName, methodName, err)
	}
	r.storage.RemoveObject(objectName)
	return nil
}

// SetLinkToObject subscribes a plugin to changes of "Object.prop".
func (r *Runtime) SetLinkToObject(ctx context.Context, objectName, propName, pluginName string) error {
	om, err := r.object(objectName)
	if err != nil {
		return err
	}
	p, ok := om.Property(propName)
	if !ok {
		return fmt.Errorf("link: no property %s.%s", objectName, propName)
	}
	linked := p.Linked()
	for _, l := range linked {
		if l == pluginName {
			return nil
		}
	}
	return p.SetLinked(append(linked, pluginName))
}

// RemoveLinkFromObject unsubscribes a plugin from "Object.prop".
func (r *Runtime) RemoveLinkFromObject(ctx context.Context, objectName, propName, pluginName string) error {
	om, err := r.object(objectName)
	if err != nil {
		return err
	}
	p, ok := om.Property(propName)
	if !ok {
		return fmt.Errorf("link: no property %s.%s", objectName, propName)
	}
	linked := p.Linked()
	out := linked[:0]
	for _, l := range linked {
		if l != pluginName {
			out = append(out, l)
		}
	}
	if len(out) == len(linked) {
		return nil
	}
	return p.SetLinked(out)
}

// ClearLinkedObjects drops a plugin from every property that lists it;
// used when a plugin is deactivated.
func (r *Runtime) ClearLinkedObjects(ctx context.Context, pluginName string) error {
	var rows []models.Value
	if err := r.db.Where("linked LIKE ?", "%"+pluginName+"%").Find(&rows).Error; err != nil {
		return err
	}
	touched := map[uint64]bool{}
	for _, row := range rows {
		parts := strings.Split(row.Linked, ",")
		out := parts[:0]
		for _, part := range parts {
			if s := strings.TrimSpace(part); s != "" && s != pluginName {
				out = append(out, s)
			}
		}
		joined := strings.Join(out, ",")
		if joined == row.Linked {
			continue
		}
		if err := r.db.Model(&models.Value{}).Where("id = ?", row.ID).
			Update("linked", joined).Error; err != nil {
			return err
		}
		touched[row.ObjectID] = true
	}
	for id := range touched {
		r.storage.ReloadObject(id)
	}
	return nil
}
