// object.go
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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/types"
	"go.uber.org/zap"
)

// Hooks are the runtime services an ObjectManager needs but must not own:
// script execution, asynchronous fan-out, and job persistence. The
// Runtime wires itself in as the implementation.
type Hooks interface {
	// RunScript executes one user code body with the standard binding
	// set and returns its captured output.
	RunScript(ctx context.Context, objectName, code string, params map[string]any, source string) (string, error)
	// PropertyChanged fans a write out to linked and proxy plugins on
	// the worker pools; it must not block the caller.
	PropertyChanged(objectName, propName string, newVal, oldVal any, linked []string, source string)
	// MethodExecuted notifies proxy plugins after a successful call.
	MethodExecuted(objectName, methodName string)
	// ScheduleJob upserts a persisted one-shot job by name.
	ScheduleJob(name, code string, runAt time.Time) error
}

// NoopHooks satisfies Hooks with no behavior; used before the runtime is
// wired and in tests.
type NoopHooks struct{}

func (NoopHooks) RunScript(context.Context, string, string, map[string]any, string) (string, error) {
	return "", nil
}
func (NoopHooks) PropertyChanged(string, string, any, any, []string, string) {}
func (NoopHooks) MethodExecuted(string, string)                              {}
func (NoopHooks) ScheduleJob(string, string, time.Time) error                { return nil }

// classRef is one ancestor in an object's inheritance chain.
type classRef struct {
	ID       uint64
	Name     string
	Template string
}

// ObjectManager is the only legitimate door to one object's state. Every
// public operation passes the permission gate before touching a
// property or method.
type ObjectManager struct {
	id          uint64
	name        string
	description string
	template    string
	chain       []classRef // nearest ancestor first

	mu      sync.RWMutex
	props   map[string]*PropertyManager
	methods map[string]*MethodManager

	storage *Storage
	log     *zap.Logger

	statsMu   sync.Mutex
	countGet  uint64
	lastGet   time.Time
	countCall uint64
}

// Pseudo-properties readable through GetProperty on every object.
const (
	PseudoDescription = "description"
	PseudoTemplate    = "template"
)

// Fields selectable by GetProperty.
const (
	FieldValue   = "value"
	FieldChanged = "changed"
	FieldSource  = "source"
)

// Name returns the object name.
func (o *ObjectManager) Name() string { return o.name }

// ID returns the objects table row id.
func (o *ObjectManager) ID() uint64 { return o.id }

// Description returns the object description.
func (o *ObjectManager) Description() string { return o.description }

// checkPermissions evaluates the policy for op on target. Rules for
// "properties.<name>" / "methods.<name>" take precedence; "self" is the
// object-level fallback. The _permissions object itself is exempt so
// policy reads cannot recurse.
func (o *ObjectManager) checkPermissions(ctx context.Context, op, target string) error {
	if o.name == PermissionsObject {
		return nil
	}
	u, ok := actor.UserFrom(ctx)
	if !ok || u.Role == actor.RoleRoot {
		return nil
	}
	src := o.storage
	full := o.name + "." + strings.TrimPrefix(strings.TrimPrefix(target, "properties."), "methods.")
	if policy, found := src.PolicyFor(target); found {
		if rule, has := policy[op]; has {
			return rule.Check(u, ok, full, op)
		}
	}
	if policy, found := src.PolicyFor("self"); found {
		if rule, has := policy[op]; has {
			return rule.Check(u, ok, full, op)
		}
	}
	return nil
}

// CheckEdit evaluates the edit permission on the object itself;
// structural edits go through this gate.
func (o *ObjectManager) CheckEdit(ctx context.Context) error {
	return o.checkPermissions(ctx, OpEdit, "self")
}

// Property returns the live manager for a property, hydrated or lazily
// created earlier; ok is false when the object has no such property.
func (o *ObjectManager) Property(name string) (*PropertyManager, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.props[name]
	return p, ok
}

// Method returns the composed method manager by name.
func (o *ObjectManager) Method(name string) (*MethodManager, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.methods[name]
	return m, ok
}

// PropertyNames returns the effective property set.
func (o *ObjectManager) PropertyNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.props))
	for n := range o.props {
		out = append(out, n)
	}
	return out
}

// MethodNames returns the effective method set.
func (o *ObjectManager) MethodNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.methods))
	for n := range o.methods {
		out = append(out, n)
	}
	return out
}

// GetProperty returns the selected field of a property. A missing
// property yields ok=false, not an error. description and template are
// built-in pseudo-properties.
func (o *ObjectManager) GetProperty(ctx context.Context, name, field string) (any, bool, error) {
	if err := o.checkPermissions(ctx, OpGet, "properties."+name); err != nil {
		return nil, false, err
	}
	o.touchGet()

	switch name {
	case PseudoDescription:
		return o.description, true, nil
	case PseudoTemplate:
		return o.effectiveTemplate(), true, nil
	}

	p, ok := o.Property(name)
	if !ok {
		return nil, false, nil
	}
	switch field {
	case FieldChanged:
		return p.Changed(), true, nil
	case FieldSource:
		return p.Source(), true, nil
	default:
		return p.GetValue(), true, nil
	}
}

// SetProperty writes a property value. Absent properties are created
// lazily with a type inferred from the value. The in-memory update and
// persistence queueing happen first, then the bound method runs (nested
// reads see the new value), then the change fans out asynchronously.
func (o *ObjectManager) SetProperty(ctx context.Context, name string, value any, source string, opts SetOptions) error {
	if err := o.checkPermissions(ctx, OpSet, "properties."+name); err != nil {
		return err
	}

	p, ok := o.Property(name)
	if !ok {
		var err error
		p, err = o.createProperty(name, value)
		if err != nil {
			return err
		}
	}

	old, err := p.SetValue(ctx, value, source, opts)
	if err != nil {
		return err
	}
	newVal := p.Peek()

	if bound := p.BoundMethod(); bound != "" {
		params := map[string]any{
			"VALUE":     newVal,
			"NEW_VALUE": newVal,
			"OLD_VALUE": old,
			"PROPERTY":  name,
			"SOURCE":    source,
		}
		if _, _, cerr := o.callMethodInternal(ctx, bound, params, source); cerr != nil {
			o.log.Warn("bound method failed",
				zap.String("object", o.name), zap.String("property", name),
				zap.String("method", bound), zap.Error(cerr))
		}
	}

	o.storage.hooks.PropertyChanged(o.name, name, newVal, old, p.Linked(), source)
	return nil
}

// UpdateProperty is SetProperty that becomes a no-op when the decoded new
// value equals the current decoded value.
func (o *ObjectManager) UpdateProperty(ctx context.Context, name string, value any, source string) error {
	if p, ok := o.Property(name); ok {
		encoded := Encode(p.Kind(), value, p.loc)
		decoded, _ := Decode(p.Kind(), encoded, p.loc)
		p.mu.RLock()
		same := Equal(p.value, decoded)
		p.mu.RUnlock()
		if same {
			return nil
		}
	}
	return o.SetProperty(ctx, name, value, source, SetOptions{})
}

// createProperty registers a lazily created object-level property.
func (o *ObjectManager) createProperty(name string, value any) (*PropertyManager, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.props[name]; ok {
		return p, nil
	}
	def := models.Property{
		Name:     name,
		ObjectID: &o.id,
		Type:     InferKind(value),
	}
	if err := o.storage.db.Create(&def).Error; err != nil {
		return nil, fmt.Errorf("create property %s.%s: %w", o.name, name, err)
	}
	p := newPropertyManager(def, o.id, "", o.storage.loc, o.storage.writer, o.storage.db)
	o.props[name] = p
	return p, nil
}

// CallMethod composes and runs the method fragments sequentially. When a
// fragment fails, the remaining fragments are skipped and the error is
// the method result. Proxy plugins are notified after success.
func (o *ObjectManager) CallMethod(ctx context.Context, name string, args map[string]any, source string) (string, error) {
	if err := o.checkPermissions(ctx, OpCall, "methods."+name); err != nil {
		return "", err
	}
	out, executed, err := o.callMethodInternal(ctx, name, args, source)
	if err == nil && executed {
		o.storage.hooks.MethodExecuted(o.name, name)
	}
	return out, err
}

func (o *ObjectManager) callMethodInternal(ctx context.Context, name string, args map[string]any, source string) (string, bool, error) {
	m, ok := o.Method(name)
	if !ok {
		return "", false, nil
	}

	o.statsMu.Lock()
	o.countCall++
	o.statsMu.Unlock()

	ctx = actor.WithSource(ctx, source)
	started := time.Now()
	var output strings.Builder
	var failed error

	for i, frag := range m.Fragments() {
		out, err := o.storage.hooks.RunScript(ctx, o.name, frag.Code, args, source)
		output.WriteString(out)
		if err != nil {
			failed = &types.ScriptError{
				Method:   o.name + "." + name,
				Fragment: i,
				Output:   output.String(),
				Err:      err,
			}
			break
		}
	}

	duration := time.Since(started)
	paramsJSON, _ := json.Marshal(args)
	result := output.String()
	if failed != nil {
		result = failed.Error()
	}
	m.RecordExecution(started, duration, string(paramsJSON), result, failed != nil)

	if failed != nil {
		o.log.Error("method failed",
			zap.String("object", o.name), zap.String("method", name),
			zap.Duration("duration", duration), zap.Error(failed))
		return output.String(), true, failed
	}
	return output.String(), true, nil
}

// SetPropertyTimeout persists a job that sets the property after the
// given delay. The deterministic job name makes successive calls
// overwrite each other instead of stacking.
func (o *ObjectManager) SetPropertyTimeout(ctx context.Context, name string, value any, source string, delay time.Duration) error {
	if err := o.checkPermissions(ctx, OpSet, "properties."+name); err != nil {
		return err
	}
	return o.scheduleMemberJob(name, o.timeoutCode("SetProperty", name, value, source), delay)
}

// UpdatePropertyTimeout is the update-if-changed variant of
// SetPropertyTimeout.
func (o *ObjectManager) UpdatePropertyTimeout(ctx context.Context, name string, value any, source string, delay time.Duration) error {
	if err := o.checkPermissions(ctx, OpSet, "properties."+name); err != nil {
		return err
	}
	return o.scheduleMemberJob(name, o.timeoutCode("UpdateProperty", name, value, source), delay)
}

// CallMethodTimeout persists a job that calls the method after the delay.
func (o *ObjectManager) CallMethodTimeout(ctx context.Context, name string, args map[string]any, source string, delay time.Duration) error {
	if err := o.checkPermissions(ctx, OpCall, "methods."+name); err != nil {
		return err
	}
	argsJSON, _ := json.Marshal(args)
	code := fmt.Sprintf("CallMethodJSON(%q, %q, %q)", o.name+"."+name, string(argsJSON), source)
	return o.scheduleMemberJob(name, code, delay)
}

func (o *ObjectManager) timeoutCode(primitive, name string, value any, source string) string {
	kind := models.KindStr
	if p, ok := o.Property(name); ok {
		kind = p.Kind()
	} else {
		kind = InferKind(value)
	}
	encoded := Encode(kind, value, o.storage.loc)
	return fmt.Sprintf("%s(%q, %q, %q)", primitive, o.name+"."+name, encoded, source)
}

func (o *ObjectManager) scheduleMemberJob(member, code string, delay time.Duration) error {
	jobName := fmt.Sprintf("%s_%s_timeout", o.name, member)
	return o.storage.hooks.ScheduleJob(jobName, code, time.Now().UTC().Add(delay))
}

// Render renders the object's template, walking the inheritance chain
// when the object declares none. Templates see the object and a prop
// helper bound to a permission-free getter.
func (o *ObjectManager) Render() (string, error) {
	text := o.effectiveTemplate()
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New(o.name).Funcs(template.FuncMap{
		"prop": func(name string) any {
			if p, ok := o.Property(name); ok {
				return p.Peek()
			}
			return nil
		},
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("template for %s: %w", o.name, err)
	}
	var sb strings.Builder
	data := map[string]any{
		"Name":        o.name,
		"Description": o.description,
	}
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", o.name, err)
	}
	return sb.String(), nil
}

func (o *ObjectManager) effectiveTemplate() string {
	if o.template != "" {
		return o.template
	}
	for _, c := range o.chain {
		if c.Template != "" {
			return c.Template
		}
	}
	return ""
}

// CleanHistory applies each property's retention policy and returns a
// per-property summary of (deleted, remaining).
func (o *ObjectManager) CleanHistory() map[string][2]int64 {
	o.mu.RLock()
	props := make(map[string]*PropertyManager, len(o.props))
	for n, p := range o.props {
		props[n] = p
	}
	o.mu.RUnlock()

	summary := make(map[string][2]int64, len(props))
	for name, p := range props {
		deleted, remaining, err := p.CleanHistory()
		if err != nil {
			o.log.Warn("history cleanup failed",
				zap.String("object", o.name), zap.String("property", name), zap.Error(err))
			continue
		}
		summary[name] = [2]int64{deleted, remaining}
	}
	return summary
}

func (o *ObjectManager) touchGet() {
	o.statsMu.Lock()
	o.countGet++
	o.lastGet = time.Now()
	o.statsMu.Unlock()
}

// ObjectStats aggregates per-object usage counters.
type ObjectStats struct {
	Name    string    `json:"name"`
	Gets    uint64    `json:"gets"`
	LastGet time.Time `json:"last_get"`
	Reads   uint64    `json:"reads"`
	Writes  uint64    `json:"writes"`
	Calls   uint64    `json:"calls"`
}

// Stats aggregates counters from the object's managers.
func (o *ObjectManager) Stats() ObjectStats {
	o.statsMu.Lock()
	s := ObjectStats{Name: o.name, Gets: o.countGet, LastGet: o.lastGet, Calls: o.countCall}
	o.statsMu.Unlock()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.props {
		r, w := p.Counters()
		s.Reads += r
		s.Writes += w
	}
	return s
}
