package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXMLToDictSimpleElement(t *testing.T) {
	r := &Runtime{}
	out, err := r.XMLToDict(context.Background(), `<state>open</state>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"state": "open"}, out)
}

func TestXMLToDictAttributesAndText(t *testing.T) {
	r := &Runtime{}
	out, err := r.XMLToDict(context.Background(),
		`<sensor id="7" unit="C">21.5</sensor>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"sensor": map[string]any{
			"@id":   "7",
			"@unit": "C",
			"#text": "21.5",
		},
	}, out)
}

func TestXMLToDictNestedAndRepeatedSiblings(t *testing.T) {
	r := &Runtime{}
	doc := `<device name="hub">
		<sensor>a</sensor>
		<sensor>b</sensor>
		<label>main</label>
	</device>`
	out, err := r.XMLToDict(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"device": map[string]any{
			"@name":  "hub",
			"sensor": []any{"a", "b"},
			"label":  "main",
		},
	}, out)
}

func TestXMLToDictMalformed(t *testing.T) {
	r := &Runtime{}
	_, err := r.XMLToDict(context.Background(), `<a><b></a>`)
	assert.Error(t, err)
}

func TestXMLToDictEmptyDocument(t *testing.T) {
	r := &Runtime{}
	_, err := r.XMLToDict(context.Background(), ``)
	assert.Error(t, err)
}
