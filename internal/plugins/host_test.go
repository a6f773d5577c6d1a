package plugins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPlugin struct {
	name    string
	actions []string

	searchRows []SearchResult
	searchErr  error
	widgetData map[string]any
	widgetErr  error
}

func (p *stubPlugin) Name() string      { return p.name }
func (p *stubPlugin) Actions() []string { return p.actions }

func (p *stubPlugin) Search(query string) ([]SearchResult, error) {
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return p.searchRows, nil
}

func (p *stubPlugin) Widget() (map[string]any, error) {
	return p.widgetData, p.widgetErr
}

func newTestHost(t *testing.T, ps ...Plugin) *Host {
	t.Helper()
	h := NewHost(nil, zap.NewNop())
	for _, p := range ps {
		h.byName[p.Name()] = p
	}
	return h
}

func TestSearchMergesPluginHits(t *testing.T) {
	h := newTestHost(t,
		&stubPlugin{
			name:    "weather",
			actions: []string{ActionSearch},
			searchRows: []SearchResult{
				{Name: "Forecast", Description: "rain tomorrow"},
			},
		},
		&stubPlugin{
			name:       "camera",
			actions:    []string{ActionSearch},
			searchRows: []SearchResult{{Name: "Porch", URL: "/cam/porch"}},
		},
		&stubPlugin{name: "modbus", actions: []string{ActionCycle}},
	)

	rows := h.Search("rain")
	require.Len(t, rows, 2)
	names := []string{rows[0].Name, rows[1].Name}
	assert.Contains(t, names, "Forecast")
	assert.Contains(t, names, "Porch")
}

func TestSearchFailingPluginContributesErrorRow(t *testing.T) {
	h := newTestHost(t,
		&stubPlugin{
			name:      "broken",
			actions:   []string{ActionSearch},
			searchErr: errors.New("backend down"),
		},
	)

	rows := h.Search("anything")
	require.Len(t, rows, 1)
	assert.Equal(t, "broken", rows[0].Name)
	assert.Contains(t, rows[0].Description, "backend down")
}

func TestWidgetsKeyedByPluginName(t *testing.T) {
	h := newTestHost(t,
		&stubPlugin{
			name:       "energy",
			actions:    []string{ActionWidget},
			widgetData: map[string]any{"kwh": 12.5},
		},
		&stubPlugin{
			name:      "broken",
			actions:   []string{ActionWidget},
			widgetErr: errors.New("no data"),
		},
	)

	out := h.Widgets()
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"kwh": 12.5}, out["energy"])
	assert.Equal(t, map[string]any{"error": "no data"}, out["broken"])
}
