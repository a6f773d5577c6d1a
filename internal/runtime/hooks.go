package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/objects"
	"github.com/osyshome/objectd/internal/plugins"
	"github.com/osyshome/objectd/internal/pool"
	"github.com/osyshome/objectd/internal/scripts"
	"go.uber.org/zap"
)

// RunScript executes one method fragment with the standard binding set.
// Implements objects.Hooks.
func (r *Runtime) RunScript(ctx context.Context, objectName, code string, params map[string]any, source string) (string, error) {
	return r.engine.Run(ctx, code, r.bindings(objectName, params, source))
}

// PropertyChanged fans a write out to the linked plugins named on the
// property and to every proxy plugin. Each target runs on its pool so
// the writing caller is never blocked by a plugin.
func (r *Runtime) PropertyChanged(objectName, propName string, newVal, oldVal any, linked []string, source string) {
	for _, pluginName := range linked {
		if pluginName == "" || pluginName == source {
			continue
		}
		p, ok := r.host.GetModule(pluginName)
		if !ok {
			continue
		}
		receiver, ok := p.(plugins.LinkedReceiver)
		if !ok {
			continue
		}
		name := pluginName
		r.submitFanout(r.linkedPool, "linked:"+name, func() error {
			return receiver.ChangeLinkedProperty(objectName, propName, newVal)
		})
	}

	for _, p := range r.host.GetModulesByAction(plugins.ActionProxy) {
		receiver, ok := p.(plugins.ProxyReceiver)
		if !ok {
			continue
		}
		r.submitFanout(r.proxyPool, "proxy:"+p.Name(), func() error {
			return receiver.ChangeProperty(objectName, propName, newVal)
		})
	}
}

// MethodExecuted notifies proxy plugins after a successful call.
func (r *Runtime) MethodExecuted(objectName, methodName string) {
	for _, p := range r.host.GetModulesByAction(plugins.ActionProxy) {
		receiver, ok := p.(plugins.ProxyReceiver)
		if !ok {
			continue
		}
		r.submitFanout(r.proxyPool, "proxy:"+p.Name(), func() error {
			return receiver.ExecutedMethod(objectName, methodName)
		})
	}
}

// ScheduleJob upserts a persisted one-shot job by name.
func (r *Runtime) ScheduleJob(name, code string, runAt time.Time) error {
	return r.sched.AddScheduledJob(name, code, runAt, 0, "")
}

func (r *Runtime) submitFanout(p *pool.Pool, name string, fn func() error) {
	if _, err := p.Submit(name, fn); err != nil {
		r.log.Warn("fanout submit failed", zap.String("task", name), zap.Error(err))
	}
}

// bindings builds the symbol set visible to one script execution. Every
// closure threads the originating source so nested writes without an
// explicit source inherit it.
func (r *Runtime) bindings(objectName string, params map[string]any, source string) scripts.Bindings {
	ctx := actor.WithSource(context.Background(), source)
	log := r.log.With(zap.String("script_object", objectName))

	inherit := func(s string) string {
		if s == "" {
			return source
		}
		return s
	}

	b := scripts.Bindings{
		"Self":   objectName,
		"Params": params,
		"Source": source,

		"Log": func(msg string) { log.Info(msg) },

		"GetProperty": func(name string) any {
			v, _, err := r.GetProperty(ctx, name, "value")
			if err != nil {
				log.Warn("script GetProperty", zap.String("property", name), zap.Error(err))
				return nil
			}
			return v
		},
		"SetProperty": func(name string, value any, src string) error {
			return r.SetProperty(ctx, name, value, inherit(src))
		},
		"UpdateProperty": func(name string, value any, src string) error {
			return r.UpdateProperty(ctx, name, value, inherit(src))
		},
		"SetPropertyTimeout": func(name string, value any, src string, seconds int) error {
			return r.SetPropertyTimeout(ctx, name, value, inherit(src), time.Duration(seconds)*time.Second)
		},
		"UpdatePropertyTimeout": func(name string, value any, src string, seconds int) error {
			return r.UpdatePropertyTimeout(ctx, name, value, inherit(src), time.Duration(seconds)*time.Second)
		},
		"CallMethod": func(name string, args map[string]any, src string) (string, error) {
			return r.CallMethod(ctx, name, args, inherit(src))
		},
		"CallMethodJSON": func(name, argsJSON, src string) (string, error) {
			var args map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", fmt.Errorf("bad method args: %w", err)
				}
			}
			return r.CallMethod(ctx, name, args, inherit(src))
		},
		"CallMethodTimeout": func(name string, args map[string]any, src string, seconds int) error {
			return r.CallMethodTimeout(ctx, name, args, inherit(src), time.Duration(seconds)*time.Second)
		},

		"SetTimeout": func(name, code string, seconds int) error {
			return r.sched.SetTimeout(name, code, seconds, source)
		},
		"ClearTimeout": func(name string) error {
			return r.sched.ClearScheduledJob(name)
		},
		"AddScheduledJob": func(name, code string, runAt time.Time) error {
			return r.sched.AddScheduledJob(name, code, runAt, 0, source)
		},
		"AddCronJob": func(name, code, cronExpr string) error {
			return r.sched.AddCronJob(name, code, cronExpr, source)
		},
		"ClearScheduledJob": func(nameGlob string) error {
			return r.sched.ClearScheduledJob(nameGlob)
		},

		"Say": func(message string, level int) {
			r.Say(ctx, message, level, nil)
		},
		"PlaySound": func(file string, level int) {
			r.PlaySound(ctx, file, level, nil)
		},
		"AddNotify": func(name, description, category string) error {
			return r.AddNotify(ctx, name, description, category, source, nil)
		},

		"GetHistoryAggregate": func(property, fn string, beginSecondsAgo int) (any, error) {
			begin := time.Now().Add(-time.Duration(beginSecondsAgo) * time.Second)
			return r.GetHistoryAggregate(ctx, property, &begin, nil, fn)
		},
		"GetHistory": func(property string, beginSecondsAgo int) ([]map[string]any, error) {
			begin := time.Now().Add(-time.Duration(beginSecondsAgo) * time.Second)
			points, err := r.GetHistory(ctx, property, objects.HistoryQuery{Begin: &begin})
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(points))
			for _, pt := range points {
				out = append(out, map[string]any{
					"value":   pt.Value,
					"changed": pt.Changed,
					"source":  pt.Source,
				})
			}
			return out, nil
		},

		"AddClass": func(name, description, parent, template string) error {
			_, err := r.AddClass(ctx, name, description, parent, template)
			return err
		},
		"AddObject": func(name, description, className, template string) error {
			_, err := r.AddObject(ctx, name, description, className, template)
			return err
		},
		"AddClassProperty": func(className, name, ptype string, historyDays int) error {
			_, err := r.AddClassProperty(ctx, className, PropertySpec{Name: name, Type: ptype, HistoryDays: historyDays})
			return err
		},
		"AddObjectProperty": func(objectName, name, ptype string, historyDays int) error {
			_, err := r.AddObjectProperty(ctx, objectName, PropertySpec{Name: name, Type: ptype, HistoryDays: historyDays})
			return err
		},
		"AddClassMethod": func(className, name, code string) error {
			_, err := r.AddClassMethod(ctx, className, MethodSpec{Name: name, Code: code})
			return err
		},
		"AddObjectMethod": func(objectName, name, code string) error {
			_, err := r.AddObjectMethod(ctx, objectName, MethodSpec{Name: name, Code: code})
			return err
		},
		"DeleteObject": func(name string) error {
			return r.DeleteObject(ctx, name)
		},
		"DeleteObjectProperty": func(objectName, propName string) error {
			return r.DeleteObjectProperty(ctx, objectName, propName)
		},
		"DeleteObjectMethod": func(objectName, methodName string) error {
			return r.DeleteObjectMethod(ctx, objectName, methodName)
		},
		"SetLinkToObject": func(objectName, propName, pluginName string) error {
			return r.SetLinkToObject(ctx, objectName, propName, pluginName)
		},
		"RemoveLinkFromObject": func(objectName, propName, pluginName string) error {
			return r.RemoveLinkFromObject(ctx, objectName, propName, pluginName)
		},
		"ClearLinkedObjects": func(pluginName string) error {
			return r.ClearLinkedObjects(ctx, pluginName)
		},

		"GetJob": func(name string) (map[string]any, bool) {
			task, ok, err := r.GetJob(ctx, name)
			if err != nil || !ok {
				return nil, false
			}
			return jobDict(*task), true
		},
		"GetJobs": func() []map[string]any {
			tasks, err := r.GetJobs(ctx)
			if err != nil {
				log.Warn("script GetJobs", zap.Error(err))
				return nil
			}
			out := make([]map[string]any, 0, len(tasks))
			for _, t := range tasks {
				out = append(out, jobDict(t))
			}
			return out
		},

		"ReadNotify": func(id int) error {
			return r.ReadNotify(ctx, uint64(id))
		},
		"ReadNotifyAll": func(src string) (int64, error) {
			return r.ReadNotifyAll(ctx, src)
		},

		"GetUrl": func(url string) (string, error) {
			return r.GetUrl(ctx, url)
		},
		"SendWebsocket": func(payload string) {
			r.SendWebsocket(ctx, []byte(payload))
		},
		"XMLToDict": func(doc string) (map[string]any, error) {
			return r.XMLToDict(ctx, doc)
		},

		"GetModule": func(name string) (any, bool) {
			return r.GetModule(ctx, name)
		},
		"GetModulesByAction": func(action string) []string {
			mods := r.GetModulesByAction(ctx, action)
			names := make([]string, 0, len(mods))
			for _, m := range mods {
				names = append(names, m.Name())
			}
			return names
		},
		"CallPluginFunction": func(pluginName, fn string, args ...any) ([]any, error) {
			return r.CallPluginFunction(ctx, pluginName, fn, args...)
		},
	}
	return b
}

// jobDict flattens a scheduled task row for script consumption.
func jobDict(t models.Task) map[string]any {
	return map[string]any{
		"name":      t.Name,
		"code":      t.Code,
		"runtime":   t.Runtime,
		"cron_expr": t.CronExpr,
		"source":    t.Source,
	}
}
