package objects

import (
	"sync"
	"time"

	"github.com/osyshome/objectd/internal/models"
)

// Fragment is one code body in a composed method chain, tagged with the
// class or object that declared it.
type Fragment struct {
	ID         uint64
	Owner      string // declaring class or object name
	Code       string
	CallParent *int
}

// MethodManager carries the composed fragment chain for one method name
// on one object, plus execution statistics.
type MethodManager struct {
	name        string
	description string
	fragments   []Fragment

	mu           sync.Mutex
	countCall    uint64
	countError   uint64
	lastExecuted time.Time
	lastDuration time.Duration
	lastParams   string
	lastResult   string
}

func newMethodManager(name, description string, fragments []Fragment) *MethodManager {
	return &MethodManager{name: name, description: description, fragments: fragments}
}

// Name returns the method name.
func (m *MethodManager) Name() string { return m.name }

// Fragments returns the composed chain in execution order.
func (m *MethodManager) Fragments() []Fragment {
	out := make([]Fragment, len(m.fragments))
	copy(out, m.fragments)
	return out
}

// RecordExecution stores call statistics after a run.
func (m *MethodManager) RecordExecution(started time.Time, duration time.Duration, params, result string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCall++
	if failed {
		m.countError++
	}
	m.lastExecuted = started
	m.lastDuration = duration
	m.lastParams = params
	m.lastResult = result
}

// ExecStats returns (calls, errors, last executed, last duration).
func (m *MethodManager) ExecStats() (uint64, uint64, time.Time, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countCall, m.countError, m.lastExecuted, m.lastDuration
}

// LastResult returns the last recorded result or error text.
func (m *MethodManager) LastResult() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// ComposeFragments folds fragments gathered along the inheritance chain
// (ancestor-first, then own) into the effective execution order:
//
//	call_parent 0  resets the accumulated list to that fragment only
//	call_parent 1  inserts the fragment immediately before the last
//	anything else  appends
func ComposeFragments(chain []Fragment) []Fragment {
	var acc []Fragment
	for _, f := range chain {
		cp := models.CallParentAppend
		if f.CallParent != nil {
			cp = *f.CallParent
		}
		switch cp {
		case models.CallParentReplace:
			acc = []Fragment{f}
		case models.CallParentInsertLast:
			if len(acc) == 0 {
				acc = []Fragment{f}
			} else {
				last := acc[len(acc)-1]
				acc = append(acc[:len(acc)-1:len(acc)-1], f, last)
			}
		default:
			acc = append(acc, f)
		}
	}
	return acc
}
