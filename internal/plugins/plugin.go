// plugin.go
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

// Package plugins defines the compiled-in plugin contract and the host
// that drives plugin lifecycles. A plugin registers itself by name,
// declares its actions, and implements whichever capability interfaces
// it supports; the host routes the action verbs to it.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Action verbs a plugin may declare.
const (
	ActionCycle     = "cycle"
	ActionSearch    = "search"
	ActionWidget    = "widget"
	ActionSay       = "say"
	ActionPlaySound = "playsound"
	ActionProxy     = "proxy"
)

// Plugin is the minimal contract every unit fulfills. Capabilities
// beyond name and actions are discovered by interface assertion.
type Plugin interface {
	Name() string
	Actions() []string
}

// Initializer runs once before the cycle loop starts.
type Initializer interface {
	Initialization(ctx context.Context) error
}

// Cycler is called repeatedly on a dedicated worker until the host
// stops. Errors are logged and the loop continues.
type Cycler interface {
	CyclicTask(ctx context.Context) error
}

// CycleIntervaler overrides the default sleep between cycle iterations.
type CycleIntervaler interface {
	CycleInterval() time.Duration
}

// SearchResult is one row a searching plugin returns.
type SearchResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// Searcher answers interactive queries.
type Searcher interface {
	Search(query string) ([]SearchResult, error)
}

// Widgeter returns structured dashboard data.
type Widgeter interface {
	Widget() (map[string]any, error)
}

// Sayer receives spoken announcements.
type Sayer interface {
	Say(message string, level int, args map[string]any) error
}

// SoundPlayer receives playback requests.
type SoundPlayer interface {
	PlaySound(file string, level int, args map[string]any) error
}

// LinkedReceiver gets changes only for properties that list the plugin
// in their linked set.
type LinkedReceiver interface {
	ChangeLinkedProperty(object, property string, value any) error
}

// ProxyReceiver observes every property change and method completion in
// the process. Implementations must be fast and non-mutating.
type ProxyReceiver interface {
	ChangeProperty(object, property string, value any) error
	ExecutedMethod(object, method string) error
}

var (
	registryMu sync.Mutex
	registry   = map[string]Plugin{}
)

// Register adds a compiled-in plugin; called from plugin package init.
// Duplicate names panic at startup rather than shadow silently.
func Register(p Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p.Name()]; dup {
		panic(fmt.Sprintf("plugins: duplicate registration of %q", p.Name()))
	}
	registry[p.Name()] = p
}

// Registered returns the registered plugins sorted by name.
func Registered() []Plugin {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Plugin, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ClearRegistry drops all registrations; test helper.
func ClearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]Plugin{}
}
