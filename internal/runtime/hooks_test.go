package runtime

import (
	"context"
	"testing"

	"github.com/osyshome/objectd/internal/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBindingsExposeFullCallSurface(t *testing.T) {
	r := &Runtime{log: zap.NewNop()}
	b := r.bindings("Thermostat", map[string]any{"k": "v"}, "script")

	assert.Equal(t, "Thermostat", b["Self"])
	assert.Equal(t, "script", b["Source"])

	for _, name := range []string{
		"Log",
		"GetProperty", "SetProperty", "UpdateProperty",
		"SetPropertyTimeout", "UpdatePropertyTimeout",
		"CallMethod", "CallMethodJSON", "CallMethodTimeout",
		"GetHistory", "GetHistoryAggregate",
		"AddClass", "AddObject",
		"AddClassProperty", "AddObjectProperty",
		"AddClassMethod", "AddObjectMethod",
		"DeleteObject", "DeleteObjectProperty", "DeleteObjectMethod",
		"SetLinkToObject", "RemoveLinkFromObject", "ClearLinkedObjects",
		"SetTimeout", "ClearTimeout",
		"AddScheduledJob", "AddCronJob", "ClearScheduledJob",
		"GetJob", "GetJobs",
		"Say", "PlaySound",
		"AddNotify", "ReadNotify", "ReadNotifyAll",
		"GetUrl", "SendWebsocket", "XMLToDict",
		"GetModule", "GetModulesByAction", "CallPluginFunction",
	} {
		require.Contains(t, b, name)
		assert.NotNil(t, b[name], name)
	}
}

func TestFallbackSourceFromContext(t *testing.T) {
	ctx := actor.WithSource(context.Background(), "Thermostat.check")

	assert.Equal(t, "Thermostat.check", fallbackSource(ctx, ""))
	assert.Equal(t, "script", fallbackSource(ctx, "script"))
	assert.Equal(t, "", fallbackSource(context.Background(), ""))
}
