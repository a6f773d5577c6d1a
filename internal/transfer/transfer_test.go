package transfer

import (
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Class{}, &models.Object{}, &models.Property{},
		&models.Method{}, &models.Value{},
	))
	return NewService(db, nil), db
}

func sampleBundle() *Bundle {
	cp := types.FlexInt(0)
	return &Bundle{
		Classes: types.FlexList[ClassEntry]{
			{Name: "Device", Description: "base"},
			{Name: "Sensor", Parent: "Device", Template: "{{.Name}}"},
		},
		Objects: types.FlexList[ObjectEntry]{
			{Name: "Kitchen", Class: "Sensor", Description: "kitchen sensor"},
		},
		Methods: types.FlexList[MethodEntry]{
			{Name: "onChange", Class: "Device", Code: "a"},
			{Name: "onChange", Object: "Kitchen", Code: "b", CallParent: &cp},
		},
		Properties: types.FlexList[PropertyEntry]{
			{Name: "temp", Class: "Device", Type: models.KindFloat, History: 7},
			{Name: "state", Object: "Kitchen", Type: models.KindStr, Method: "onChange"},
		},
		Values: types.FlexList[ValueEntry]{
			{Object: "Kitchen", Name: "temp", Value: "21.5", Changed: "2026-03-01 09:00:00.000", Source: "init"},
		},
	}
}

func TestImportThenExportRoundTrip(t *testing.T) {
	s, db := newTestService(t)
	require.NoError(t, s.Import(sampleBundle(), ImportOptions{Classes: true, Objects: true}))

	// referenced entities resolved by name
	var sensor models.Class
	require.NoError(t, db.Where("name = ?", "Sensor").First(&sensor).Error)
	require.NotNil(t, sensor.ParentID)

	var obj models.Object
	require.NoError(t, db.Where("name = ?", "Kitchen").First(&obj).Error)
	require.NotNil(t, obj.ClassID)
	assert.Equal(t, sensor.ID, *obj.ClassID)

	var state models.Property
	require.NoError(t, db.Where("name = ? AND object_id = ?", "state", obj.ID).First(&state).Error)
	require.NotNil(t, state.MethodID)
	var bound models.Method
	require.NoError(t, db.First(&bound, *state.MethodID).Error)
	assert.Equal(t, "b", bound.Code)
	require.NotNil(t, bound.CallParent)
	assert.Equal(t, 0, *bound.CallParent)

	out, err := s.Export()
	require.NoError(t, err)
	assert.Len(t, out.Classes, 2)
	assert.Len(t, out.Objects, 1)
	assert.Len(t, out.Methods, 2)
	assert.Len(t, out.Properties, 2)
	require.Len(t, out.Values, 1)
	assert.Equal(t, ValueEntry{
		Object: "Kitchen", Name: "temp", Value: "21.5",
		Changed: "2026-03-01 09:00:00.000", Source: "init",
	}, out.Values[0])
}

func TestImportSkipsExistingWithoutRewrite(t *testing.T) {
	s, db := newTestService(t)
	require.NoError(t, s.Import(sampleBundle(), ImportOptions{Classes: true, Objects: true}))

	b := sampleBundle()
	b.Objects[0].Description = "changed"
	b.Values[0].Value = "30"
	require.NoError(t, s.Import(b, ImportOptions{Classes: true, Objects: true}))

	var obj models.Object
	require.NoError(t, db.Where("name = ?", "Kitchen").First(&obj).Error)
	assert.Equal(t, "kitchen sensor", obj.Description)

	var val models.Value
	require.NoError(t, db.Where("name = ?", "temp").First(&val).Error)
	assert.Equal(t, "21.5", val.Value)
}

func TestImportRewriteOverwrites(t *testing.T) {
	s, db := newTestService(t)
	require.NoError(t, s.Import(sampleBundle(), ImportOptions{Classes: true, Objects: true}))

	b := sampleBundle()
	b.Objects[0].Description = "changed"
	b.Values[0].Value = "30"
	require.NoError(t, s.Import(b, ImportOptions{Rewrite: true, Classes: true, Objects: true}))

	var obj models.Object
	require.NoError(t, db.Where("name = ?", "Kitchen").First(&obj).Error)
	assert.Equal(t, "changed", obj.Description)

	var val models.Value
	require.NoError(t, db.Where("name = ?", "temp").First(&val).Error)
	assert.Equal(t, "30", val.Value)

	// no duplicate rows appeared
	var n int64
	require.NoError(t, db.Model(&models.Object{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	require.NoError(t, db.Model(&models.Method{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestImportObjectsOnlySkipsClassSections(t *testing.T) {
	s, db := newTestService(t)
	b := sampleBundle()
	// strip the class references the skipped section would have created
	b.Objects[0].Class = ""
	require.NoError(t, s.Import(b, ImportOptions{Objects: true}))

	var n int64
	require.NoError(t, db.Model(&models.Class{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&models.Object{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	// class-owned definitions skipped, object-owned kept
	require.NoError(t, db.Model(&models.Property{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestImportUnknownReferenceFails(t *testing.T) {
	s, _ := newTestService(t)
	b := &Bundle{
		Objects: types.FlexList[ObjectEntry]{{Name: "Orphan", Class: "Missing"}},
	}
	assert.Error(t, s.Import(b, ImportOptions{Classes: true, Objects: true}))
}

func TestExportObjectsNarrowsToChain(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.Import(sampleBundle(), ImportOptions{Classes: true, Objects: true}))
	require.NoError(t, s.Import(&Bundle{
		Classes: types.FlexList[ClassEntry]{{Name: "Unrelated"}},
		Objects: types.FlexList[ObjectEntry]{{Name: "Other", Class: "Unrelated"}},
	}, ImportOptions{Classes: true, Objects: true}))

	out, err := s.ExportObjects([]string{"Kitchen"})
	require.NoError(t, err)
	require.Len(t, out.Objects, 1)
	assert.Equal(t, "Kitchen", out.Objects[0].Name)

	names := make([]string, 0, len(out.Classes))
	for _, c := range out.Classes {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"Device", "Sensor"}, names)
}

func TestBundleToleratesSingleEntryJSON(t *testing.T) {
	var b Bundle
	raw := `{"objects": {"name": "Solo"}, "values": {"object": "Solo", "name": "x", "value": "1"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &b))
	require.Len(t, b.Objects, 1)
	assert.Equal(t, "Solo", b.Objects[0].Name)
	require.Len(t, b.Values, 1)
}
