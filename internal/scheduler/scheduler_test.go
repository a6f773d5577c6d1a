package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/osyshome/objectd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type runCapture struct {
	mu   sync.Mutex
	runs []string
}

func (c *runCapture) RunJob(_ context.Context, name, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, name+"="+code)
	return nil
}

func (c *runCapture) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.runs))
	copy(out, c.runs)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *gorm.DB, *runCapture) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Task{}))
	rc := &runCapture{}
	return New(db, rc, time.Hour, zap.NewNop()), db, rc
}

func TestAddScheduledJobUpsertsByName(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	runAt := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.AddScheduledJob("job", "first", runAt, 0, "a"))
	require.NoError(t, s.AddScheduledJob("job", "second", runAt.Add(time.Minute), 60, "b"))

	var n int64
	require.NoError(t, db.Model(&models.Task{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	task, ok, err := s.GetJob("job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", task.Code)
	assert.Equal(t, "b", task.Source)
	assert.WithinDuration(t, runAt.Add(time.Minute), task.Runtime, time.Second)
	assert.WithinDuration(t, task.Runtime.Add(time.Minute), task.Expire, time.Second)
}

func TestTickDispatchesDueOneShotAndDeletesIt(t *testing.T) {
	s, db, rc := newTestScheduler(t)

	require.NoError(t, s.AddScheduledJob("due", "code-a", time.Now().UTC().Add(-time.Second), 0, ""))
	require.NoError(t, s.AddScheduledJob("future", "code-b", time.Now().UTC().Add(time.Hour), 0, ""))

	s.tickOnce()

	assert.Equal(t, []string{"due=code-a"}, rc.names())

	_, ok, err := s.GetJob("due")
	require.NoError(t, err)
	assert.False(t, ok)

	var n int64
	require.NoError(t, db.Model(&models.Task{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	// a second tick does not re-fire
	s.tickOnce()
	assert.Len(t, rc.names(), 1)
}

func TestCronJobReArms(t *testing.T) {
	s, db, rc := newTestScheduler(t)

	require.NoError(t, s.AddCronJob("cron", "tick", "* * * * *", ""))
	// force it due
	past := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, db.Model(&models.Task{}).Where("name = ?", "cron").
		Update("runtime", past).Error)

	s.tickOnce()

	require.Len(t, rc.names(), 1)
	task, ok, err := s.GetJob("cron")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, task.Started)
	assert.True(t, task.Runtime.After(time.Now().UTC().Add(-time.Minute)))
}

func TestAddCronJobRejectsBadExpression(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.Error(t, s.AddCronJob("bad", "x", "not a cron", ""))
}

func TestClearScheduledJobGlob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	runAt := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.AddScheduledJob("Lamp_on_timeout", "a", runAt, 0, ""))
	require.NoError(t, s.AddScheduledJob("Lamp_off_timeout", "b", runAt, 0, ""))
	require.NoError(t, s.AddScheduledJob("other", "c", runAt, 0, ""))

	require.NoError(t, s.ClearScheduledJob("Lamp_*"))

	jobs, err := s.GetJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "other", jobs[0].Name)
}

func TestReapDropsExpiredOneShots(t *testing.T) {
	s, db, rc := newTestScheduler(t)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Create(&models.Task{
		Name: "stale", Code: "x", Runtime: stale, Expire: stale.Add(time.Minute),
	}).Error)

	s.tickOnce()

	assert.Empty(t, rc.names())
	_, ok, err := s.GetJob("stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetTimeout(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.SetTimeout("later", "code", 30, "src"))

	task, ok, err := s.GetJob("later")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Second), task.Runtime, 2*time.Second)
}

func TestEmptyNameRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.Error(t, s.AddScheduledJob("", "x", time.Now(), 0, ""))
	assert.Error(t, s.AddCronJob("", "x", "* * * * *", ""))
}
