package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/objects"
	"github.com/osyshome/objectd/internal/plugins"
	"go.uber.org/zap"
)

// splitName resolves a dotted "Object.member" reference. A bare object
// name has no member and is rejected.
func splitName(name string) (object, member string, err error) {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("bad dotted name %q, want Object.member", name)
	}
	return name[:i], name[i+1:], nil
}

// fallbackSource substitutes the execution source carried on ctx when
// the caller passed none, so nested writes keep their provenance.
func fallbackSource(ctx context.Context, source string) string {
	if source == "" {
		return actor.SourceFrom(ctx)
	}
	return source
}

func (r *Runtime) object(name string) (*objects.ObjectManager, error) {
	om, ok, err := r.storage.GetObjectByName(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown object %q", name)
	}
	return om, nil
}

// GetProperty returns one field of "Object.prop"; ok is false when the
// object or property is absent.
func (r *Runtime) GetProperty(ctx context.Context, name, field string) (any, bool, error) {
	objName, prop, err := splitName(name)
	if err != nil {
		return nil, false, err
	}
	om, ok, err := r.storage.GetObjectByName(objName)
	if err != nil || !ok {
		return nil, false, err
	}
	return om.GetProperty(ctx, prop, field)
}

// SetProperty writes "Object.prop".
func (r *Runtime) SetProperty(ctx context.Context, name string, value any, source string, opts ...objects.SetOptions) error {
	objName, prop, err := splitName(name)
	if err != nil {
		return err
	}
	om, err := r.object(objName)
	if err != nil {
		return err
	}
	var o objects.SetOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return om.SetProperty(ctx, prop, value, fallbackSource(ctx, source), o)
}

// UpdateProperty writes only when the decoded value differs.
func (r *Runtime) UpdateProperty(ctx context.Context, name string, value any, source string) error {
	objName, prop, err := splitName(name)
	if err != nil {
		return err
	}
	om, err := r.object(objName)
	if err != nil {
		return err
	}
	return om.UpdateProperty(ctx, prop, value, fallbackSource(ctx, source))
}

// SetPropertyTimeout schedules the write after the delay.
func (r *Runtime) SetPropertyTimeout(ctx context.Context, name string, value any, source string, delay time.Duration) error {
	objName, prop, err := splitName(name)
	if err != nil {
		return err
	}
	om, err := r.object(objName)
	if err != nil {
		return err
	}
	return om.SetPropertyTimeout(ctx, prop, value, fallbackSource(ctx, source), delay)
}

// UpdatePropertyTimeout schedules the conditional write after the delay.
func (r *Runtime) UpdatePropertyTimeout(ctx context.Context, name string, value any, source string, delay time.Duration) error {
	objName, prop, err := splitName(name)
	if err != nil {
		return err
	}
	om, err := r.object(objName)
	if err != nil {
		return err
	}
	return om.UpdatePropertyTimeout(ctx, prop, value, fallbackSource(ctx, source), delay)
}

// CallMethod runs "Object.method" and returns the captured output.
func (r *Runtime) CallMethod(ctx context.Context, name string, args map[string]any, source string) (string, error) {
	objName, method, err := splitName(name)
	if err != nil {
		return "", err
	}
	om, err := r.object(objName)
	if err != nil {
		return "", err
	}
	return om.CallMethod(ctx, method, args, fallbackSource(ctx, source))
}

// CallMethodTimeout schedules the call after the delay.
func (r *Runtime) CallMethodTimeout(ctx context.Context, name string, args map[string]any, source string, delay time.Duration) error {
	objName, method, err := splitName(name)
	if err != nil {
		return err
	}
	om, err := r.object(objName)
	if err != nil {
		return err
	}
	return om.CallMethodTimeout(ctx, method, args, fallbackSource(ctx, source), delay)
}

// GetHistory returns the decoded samples of "Object.prop".
func (r *Runtime) GetHistory(ctx context.Context, name string, q objects.HistoryQuery) ([]objects.HistoryPoint, error) {
	objName, prop, err := splitName(name)
	if err != nil {
		return nil, err
	}
	om, err := r.object(objName)
	if err != nil {
		return nil, err
	}
	return om.GetHistory(ctx, prop, q)
}

// GetHistoryAggregate computes one aggregate or the full bundle.
func (r *Runtime) GetHistoryAggregate(ctx context.Context, name string, begin, end *time.Time, fn string) (any, error) {
	objName, prop, err := splitName(name)
	if err != nil {
		return nil, err
	}
	om, err := r.object(objName)
	if err != nil {
		return nil, err
	}
	return om.GetHistoryAggregate(ctx, prop, begin, end, fn)
}

// AddScheduledJob, AddCronJob, SetTimeout, ClearTimeout,
// ClearScheduledJob, GetJob and GetJobs delegate to the scheduler.
func (r *Runtime) AddScheduledJob(ctx context.Context, name, code string, runAt time.Time, expireSeconds int, source string) error {
	return r.sched.AddScheduledJob(name, code, runAt, expireSeconds, source)
}

func (r *Runtime) AddCronJob(ctx context.Context, name, code, cronExpr, source string) error {
	return r.sched.AddCronJob(name, code, cronExpr, source)
}

func (r *Runtime) SetTimeout(ctx context.Context, name, code string, seconds int, source string) error {
	return r.sched.SetTimeout(name, code, seconds, source)
}

func (r *Runtime) ClearTimeout(ctx context.Context, name string) error {
	return r.sched.ClearScheduledJob(name)
}

func (r *Runtime) ClearScheduledJob(ctx context.Context, nameGlob string) error {
	return r.sched.ClearScheduledJob(nameGlob)
}

func (r *Runtime) GetJob(ctx context.Context, name string) (*models.Task, bool, error) {
	return r.sched.GetJob(name)
}

func (r *Runtime) GetJobs(ctx context.Context) ([]models.Task, error) {
	return r.sched.GetJobs()
}

// Say fans a spoken announcement out to every say plugin on the say
// pool; fire-and-forget.
func (r *Runtime) Say(ctx context.Context, message string, level int, args map[string]any) {
	for _, p := range r.host.GetModulesByAction(plugins.ActionSay) {
		sayer, ok := p.(plugins.Sayer)
		if !ok {
			continue
		}
		r.submitFanout(r.sayPool, "say:"+p.Name(), func() error {
			return sayer.Say(message, level, args)
		})
	}
}

// PlaySound fans a playback request out to every playsound plugin.
func (r *Runtime) PlaySound(ctx context.Context, file string, level int, args map[string]any) {
	for _, p := range r.host.GetModulesByAction(plugins.ActionPlaySound) {
		player, ok := p.(plugins.SoundPlayer)
		if !ok {
			continue
		}
		r.submitFanout(r.soundPool, "playsound:"+p.Name(), func() error {
			return player.PlaySound(file, level, args)
		})
	}
}

// AddNotify records a notification and broadcasts it.
func (r *Runtime) AddNotify(ctx context.Context, name, description, category, source string, args map[string]any) error {
	return r.notify.Add(name, description, category, source, args)
}

// ReadNotify marks one notification read.
func (r *Runtime) ReadNotify(ctx context.Context, id uint64) error {
	return r.notify.Read(id)
}

// ReadNotifyAll marks unread notifications read, optionally by source.
func (r *Runtime) ReadNotifyAll(ctx context.Context, source string) (int64, error) {
	return r.notify.ReadAll(source)
}

// UnreadNotifications lists unread notifications newest-first.
func (r *Runtime) UnreadNotifications(ctx context.Context, limit int) ([]models.Notify, error) {
	return r.notify.Unread(limit)
}

// GetUrl fetches a URL body with a bounded timeout; scripts use it for
// simple device polling.
func (r *Runtime) GetUrl(ctx context.Context, url string) (string, error) {
	agent := fiber.Get(url)
	agent.Timeout(30 * time.Second)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", fmt.Errorf("get %s: %w", url, errs[0])
	}
	if code >= 400 {
		return string(body), fmt.Errorf("get %s: status %d", url, code)
	}
	return string(body), nil
}

// SendWebsocket broadcasts a raw frame to every connected client.
func (r *Runtime) SendWebsocket(ctx context.Context, payload []byte) {
	r.hub.Broadcast(payload)
}

// RunCode evaluates an ad-hoc script body with the standard bindings.
func (r *Runtime) RunCode(ctx context.Context, code, source string) (string, error) {
	return r.engine.Run(ctx, code, r.bindings("", nil, source))
}

// GetModule returns an active plugin by name.
func (r *Runtime) GetModule(ctx context.Context, name string) (plugins.Plugin, bool) {
	return r.host.GetModule(name)
}

// GetModulesByAction returns active plugins declaring the action.
func (r *Runtime) GetModulesByAction(ctx context.Context, action string) []plugins.Plugin {
	return r.host.GetModulesByAction(action)
}

// Search fans the query out to every plugin implementing search and
// merges the hits.
func (r *Runtime) Search(ctx context.Context, query string) []plugins.SearchResult {
	return r.host.Search(query)
}

// Widgets collects dashboard widget payloads from widget plugins,
// keyed by plugin name.
func (r *Runtime) Widgets(ctx context.Context) map[string]any {
	return r.host.Widgets()
}

// CallPluginFunction invokes an exported method on a plugin by name via
// reflection. The last return value, when it is an error, becomes the
// call error; remaining values are returned as a slice.
func (r *Runtime) CallPluginFunction(ctx context.Context, pluginName, fn string, args ...any) (results []any, err error) {
	p, ok := r.host.GetModule(pluginName)
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", pluginName)
	}
	method := reflect.ValueOf(p).MethodByName(fn)
	if !method.IsValid() {
		return nil, fmt.Errorf("plugin %q has no function %q", pluginName, fn)
	}
	mt := method.Type()
	if mt.NumIn() != len(args) {
		return nil, fmt.Errorf("plugin %s.%s wants %d args, got %d", pluginName, fn, mt.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v := reflect.ValueOf(a)
		if a == nil {
			v = reflect.Zero(mt.In(i))
		} else if !v.Type().AssignableTo(mt.In(i)) {
			if v.Type().ConvertibleTo(mt.In(i)) {
				v = v.Convert(mt.In(i))
			} else {
				return nil, fmt.Errorf("plugin %s.%s arg %d: %s not assignable to %s",
					pluginName, fn, i, v.Type(), mt.In(i))
			}
		}
		in[i] = v
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("plugin function panic",
				zap.String("plugin", pluginName), zap.String("function", fn),
				zap.Any("panic", rec))
			results = nil
			err = fmt.Errorf("plugin %s.%s panicked: %v", pluginName, fn, rec)
		}
	}()
	outs := method.Call(in)

	for i, out := range outs {
		if i == len(outs)-1 && out.Type().Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			if !out.IsNil() {
				err = out.Interface().(error)
			}
			continue
		}
		results = append(results, out.Interface())
	}
	return results, err
}
