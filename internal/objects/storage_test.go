package objects

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/batch"
	"github.com/osyshome/objectd/internal/models"
	"github.com/osyshome/objectd/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStorage(t *testing.T) (*Storage, *gorm.DB, *batch.Writer) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Class{}, &models.Object{}, &models.Property{},
		&models.Method{}, &models.Value{}, &models.History{},
	))
	w := batch.NewWriter(db, time.Hour, zap.NewNop())
	s := NewStorage(db, w, time.UTC, zap.NewNop())
	return s, db, w
}

func mustCreate(t *testing.T, db *gorm.DB, v any) {
	t.Helper()
	require.NoError(t, db.Create(v).Error)
}

func TestHydrationMergesInheritanceChain(t *testing.T) {
	s, db, _ := newTestStorage(t)

	base := models.Class{Name: "Device"}
	mustCreate(t, db, &base)
	sub := models.Class{Name: "Sensor", ParentID: &base.ID}
	mustCreate(t, db, &sub)

	mustCreate(t, db, &models.Property{Name: "online", ClassID: &base.ID, Type: models.KindBool})
	mustCreate(t, db, &models.Property{Name: "temp", ClassID: &base.ID, Type: models.KindInt})
	// subclass overrides temp with a float definition
	mustCreate(t, db, &models.Property{Name: "temp", ClassID: &sub.ID, Type: models.KindFloat, HistoryDays: 7})

	obj := models.Object{Name: "Kitchen", ClassID: &sub.ID}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "label", ObjectID: &obj.ID, Type: models.KindStr})

	om, ok, err := s.GetObjectByName("Kitchen")
	require.NoError(t, err)
	require.True(t, ok)

	p, ok := om.Property("temp")
	require.True(t, ok)
	assert.Equal(t, models.KindFloat, p.Kind())

	_, ok = om.Property("online")
	assert.True(t, ok)
	_, ok = om.Property("label")
	assert.True(t, ok)

	// second lookup returns the cached manager
	om2, ok, err := s.GetObjectByName("Kitchen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, om, om2)
}

func TestGetObjectByNameAbsent(t *testing.T) {
	s, _, _ := newTestStorage(t)
	_, ok, err := s.GetObjectByName("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAndGetPropertyRoundTrip(t *testing.T) {
	s, db, w := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat, HistoryDays: 7})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)

	// string input decodes to the typed value
	require.NoError(t, om.SetProperty(context.Background(), "temp", "21.5", "test", SetOptions{}))
	v, ok, err := om.GetProperty(context.Background(), "temp", FieldValue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	require.NoError(t, w.Flush())

	var row models.Value
	require.NoError(t, db.Where("object_id = ? AND name = ?", obj.ID, "temp").First(&row).Error)
	assert.Equal(t, "21.5", row.Value)
	assert.Equal(t, "test", row.Source)

	var histCount int64
	require.NoError(t, db.Model(&models.History{}).Where("value_id = ?", row.ID).Count(&histCount).Error)
	assert.Equal(t, int64(1), histCount)
}

func TestUpdatePropertyIsIdempotent(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, om.SetProperty(ctx, "temp", 21.5, "a", SetOptions{}))
	p, _ := om.Property("temp")
	_, writesBefore := p.Counters()

	// same value, typed and as string: both no-ops
	require.NoError(t, om.UpdateProperty(ctx, "temp", 21.5, "b"))
	require.NoError(t, om.UpdateProperty(ctx, "temp", "21.5", "b"))
	_, writesAfter := p.Counters()
	assert.Equal(t, writesBefore, writesAfter)

	require.NoError(t, om.UpdateProperty(ctx, "temp", 22.0, "b"))
	_, writesChanged := p.Counters()
	assert.Equal(t, writesBefore+1, writesChanged)
}

func TestSetPropertyCreatesLazily(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)
	require.NoError(t, om.SetProperty(context.Background(), "humidity", 40.5, "test", SetOptions{}))

	p, ok := om.Property("humidity")
	require.True(t, ok)
	assert.Equal(t, models.KindFloat, p.Kind())

	var def models.Property
	require.NoError(t, db.Where("object_id = ? AND name = ?", obj.ID, "humidity").First(&def).Error)
	assert.Equal(t, models.KindFloat, def.Type)
}

type captureHooks struct {
	NoopHooks
	mu      sync.Mutex
	scripts []map[string]any
	changes []string
	jobs    map[string]string
}

func (h *captureHooks) RunScript(_ context.Context, _ string, code string, params map[string]any, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = append(h.scripts, params)
	return code, nil
}

func (h *captureHooks) PropertyChanged(objectName, propName string, _, _ any, _ []string, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, objectName+"."+propName)
}

func (h *captureHooks) ScheduleJob(name, code string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs == nil {
		h.jobs = map[string]string{}
	}
	h.jobs[name] = code
	return nil
}

func TestBoundMethodReceivesOldAndNewValue(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Door"}
	mustCreate(t, db, &obj)
	method := models.Method{Name: "onState", ObjectID: &obj.ID, Code: "noop"}
	mustCreate(t, db, &method)
	mustCreate(t, db, &models.Property{
		Name: "state", ObjectID: &obj.ID, Type: models.KindStr, MethodID: &method.ID,
	})

	hooks := &captureHooks{}
	s.SetHooks(hooks)

	om, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, om.SetProperty(ctx, "state", "open", "sensor", SetOptions{}))
	require.NoError(t, om.SetProperty(ctx, "state", "closed", "sensor", SetOptions{}))

	require.Len(t, hooks.scripts, 2)
	second := hooks.scripts[1]
	assert.Equal(t, "closed", second["NEW_VALUE"])
	assert.Equal(t, "open", second["OLD_VALUE"])
	assert.Equal(t, "state", second["PROPERTY"])
	assert.Equal(t, "sensor", second["SOURCE"])

	assert.Equal(t, []string{"Door.state", "Door.state"}, hooks.changes)
}

type failingHooks struct{ NoopHooks }

func (failingHooks) RunScript(context.Context, string, string, map[string]any, string) (string, error) {
	return "partial", errors.New("boom")
}

func TestCallMethodFragmentFailure(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Door"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Method{Name: "open", ObjectID: &obj.ID, Code: "x"})
	s.SetHooks(failingHooks{})

	om, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)

	out, err := om.CallMethod(context.Background(), "open", nil, "test")
	require.Error(t, err)
	assert.Equal(t, "partial", out)

	var serr *types.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Door.open", serr.Method)
	assert.Zero(t, serr.Fragment)
	assert.Equal(t, "partial", serr.Output)
}

func TestDuplicateValueRowsMergeOnHydration(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat})

	older := models.Value{ObjectID: obj.ID, Name: "temp", Value: "20", Changed: time.Now().UTC().Add(-time.Hour)}
	mustCreate(t, db, &older)
	newer := models.Value{ObjectID: obj.ID, Name: "temp", Value: "21", Changed: time.Now().UTC()}
	mustCreate(t, db, &newer)
	mustCreate(t, db, &models.History{ValueID: older.ID, Value: "20", Added: older.Changed})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)

	p, _ := om.Property("temp")
	assert.Equal(t, newer.ID, p.ValueID())
	assert.Equal(t, 21.0, p.Peek())

	var rows int64
	require.NoError(t, db.Model(&models.Value{}).
		Where("object_id = ? AND name = ?", obj.ID, "temp").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	// history re-pointed to the keeper
	var hist models.History
	require.NoError(t, db.First(&hist).Error)
	assert.Equal(t, newer.ID, hist.ValueID)
}

func TestPermissionDeniedForRole(t *testing.T) {
	s, db, _ := newTestStorage(t)

	perms := models.Object{Name: PermissionsObject}
	mustCreate(t, db, &perms)
	mustCreate(t, db, &models.Property{Name: "properties.secret", ObjectID: &perms.ID, Type: models.KindDict})
	policy, _ := json.Marshal(map[string]any{
		"get": map[string]any{"denied_roles": []string{"user"}},
	})
	mustCreate(t, db, &models.Value{ObjectID: perms.ID, Name: "properties.secret", Value: string(policy), Changed: time.Now().UTC()})

	obj := models.Object{Name: "Safe"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "secret", ObjectID: &obj.ID, Type: models.KindStr})

	om, _, err := s.GetObjectByName("Safe")
	require.NoError(t, err)

	// backend call passes
	require.NoError(t, om.SetProperty(context.Background(), "secret", "s3cr3t", "init", SetOptions{}))

	userCtx := actor.WithUser(context.Background(), actor.User{Name: "bob", Role: actor.RoleUser})
	_, _, err = om.GetProperty(userCtx, "secret", FieldValue)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	adminCtx := actor.WithUser(context.Background(), actor.User{Name: "ann", Role: actor.RoleAdmin})
	v, ok, err := om.GetProperty(adminCtx, "secret", FieldValue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", v)
}

func TestGetHistoryIncludesCurrentPoint(t *testing.T) {
	s, db, w := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat, HistoryDays: 7})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-2 * time.Hour)
	t1 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, om.SetProperty(ctx, "temp", 20.0, "a", SetOptions{Changed: &t0}))
	require.NoError(t, om.SetProperty(ctx, "temp", 21.0, "a", SetOptions{Changed: &t1}))
	require.NoError(t, w.Flush())
	// the newest write stays in memory only
	require.NoError(t, om.SetProperty(ctx, "temp", 22.0, "a", SetOptions{}))

	points, err := om.GetHistory(ctx, "temp", HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 20.0, points[0].Value)
	assert.Equal(t, 21.0, points[1].Value)
	assert.Equal(t, 22.0, points[2].Value)

	agg, err := om.GetHistoryAggregate(ctx, "temp", nil, nil, AggMax)
	require.NoError(t, err)
	assert.Equal(t, 22.0, agg)

	bundle, err := om.GetHistoryAggregate(ctx, "temp", nil, nil, "")
	require.NoError(t, err)
	b := bundle.(AggregateBundle)
	require.NotNil(t, b.Min)
	assert.Equal(t, 20.0, *b.Min)
	assert.Equal(t, int64(2), b.Count) // stored rows only

	// the count query must run on the sqlite dialect too
	n, err := om.GetHistoryAggregate(ctx, "temp", nil, nil, AggCount)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSetPropertyTimeoutSchedulesDeterministicJob(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Lamp"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "on", ObjectID: &obj.ID, Type: models.KindBool})

	hooks := &captureHooks{}
	s.SetHooks(hooks)

	om, _, err := s.GetObjectByName("Lamp")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, om.SetPropertyTimeout(ctx, "on", false, "auto", time.Minute))
	require.NoError(t, om.SetPropertyTimeout(ctx, "on", true, "auto", time.Minute))

	require.Len(t, hooks.jobs, 1)
	code, ok := hooks.jobs["Lamp_on_timeout"]
	require.True(t, ok)
	assert.Contains(t, code, `SetProperty("Lamp.on", "true", "auto")`)
}

func TestRenderWalksInheritanceChain(t *testing.T) {
	s, db, _ := newTestStorage(t)
	base := models.Class{Name: "Device", Template: "{{.Name}}: {{prop \"state\"}}"}
	mustCreate(t, db, &base)
	obj := models.Object{Name: "Door", ClassID: &base.ID}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "state", ObjectID: &obj.ID, Type: models.KindStr})

	om, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)
	require.NoError(t, om.SetProperty(context.Background(), "state", "open", "t", SetOptions{}))

	out, err := om.Render()
	require.NoError(t, err)
	assert.Equal(t, "Door: open", out)
}

func TestNegativeHistoryDaysRecordsOnlyOnRequest(t *testing.T) {
	s, db, w := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat, HistoryDays: -7})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, om.SetProperty(ctx, "temp", 20.0, "a", SetOptions{}))
	require.NoError(t, w.Flush())
	var n int64
	require.NoError(t, db.Model(&models.History{}).Count(&n).Error)
	assert.Zero(t, n)

	save := true
	require.NoError(t, om.SetProperty(ctx, "temp", 21.0, "a", SetOptions{SaveHistory: &save}))
	require.NoError(t, w.Flush())
	require.NoError(t, db.Model(&models.History{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestZeroHistoryDaysNeverRecordsAndWipes(t *testing.T) {
	s, db, w := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat, HistoryDays: 0})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)

	// an explicit request cannot override history being disabled
	save := true
	require.NoError(t, om.SetProperty(context.Background(), "temp", 20.0, "a", SetOptions{SaveHistory: &save}))
	require.NoError(t, w.Flush())
	var n int64
	require.NoError(t, db.Model(&models.History{}).Count(&n).Error)
	assert.Zero(t, n)

	p, _ := om.Property("temp")
	mustCreate(t, db, &models.History{ValueID: p.ValueID(), Value: "18", Added: time.Now().UTC().AddDate(0, 0, -1)})
	mustCreate(t, db, &models.History{ValueID: p.ValueID(), Value: "19", Added: time.Now().UTC()})

	// disabled history means CleanHistory wipes everything, age aside
	deleted, remaining, err := p.CleanHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Zero(t, remaining)
}

func TestCleanHistoryRetention(t *testing.T) {
	s, db, _ := newTestStorage(t)
	obj := models.Object{Name: "Room"}
	mustCreate(t, db, &obj)
	mustCreate(t, db, &models.Property{Name: "temp", ObjectID: &obj.ID, Type: models.KindFloat, HistoryDays: 7})

	om, _, err := s.GetObjectByName("Room")
	require.NoError(t, err)
	require.NoError(t, om.SetProperty(context.Background(), "temp", 20.0, "t", SetOptions{}))

	p, _ := om.Property("temp")
	old := time.Now().UTC().AddDate(0, 0, -10)
	recent := time.Now().UTC()
	mustCreate(t, db, &models.History{ValueID: p.ValueID(), Value: "18", Added: old})
	mustCreate(t, db, &models.History{ValueID: p.ValueID(), Value: "19", Added: recent})

	deleted, remaining, err := p.CleanHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, int64(1), remaining)
}

func TestInvalidation(t *testing.T) {
	s, db, _ := newTestStorage(t)
	class := models.Class{Name: "Device"}
	mustCreate(t, db, &class)
	obj := models.Object{Name: "Door", ClassID: &class.ID}
	mustCreate(t, db, &obj)

	om, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)

	require.NoError(t, s.ReloadObjectsByClass(class.ID))
	om2, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)
	assert.NotSame(t, om, om2)

	s.RemoveObject("Door")
	om3, _, err := s.GetObjectByName("Door")
	require.NoError(t, err)
	assert.NotSame(t, om2, om3)
}
