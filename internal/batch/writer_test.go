package batch

import (
	"strconv"
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

func newTestWriter(t *testing.T) (*Writer, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Value{}, &models.History{}))
	return NewWriter(db, time.Hour, zap.NewNop()), db
}

func seedValue(t *testing.T, db *gorm.DB, name string) models.Value {
	t.Helper()
	row := models.Value{ObjectID: 1, Name: name, Value: "0", Changed: time.Now().UTC()}
	require.NoError(t, db.Create(&row).Error)
	return row
}

func TestFlushCollapsesToNewestValue(t *testing.T) {
	w, db := newTestWriter(t)
	row := seedValue(t, db, "temp")

	base := time.Now().UTC().Truncate(time.Second)
	for i, v := range []string{"20", "21", "22"} {
		w.Queue(Record{
			ValueID:     row.ID,
			Encoded:     v,
			Changed:     base.Add(time.Duration(i) * time.Second),
			Source:      "test",
			SaveHistory: true,
		})
	}
	require.NoError(t, w.Flush())

	var got models.Value
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, "22", got.Value)
	assert.Equal(t, "test", got.Source)

	var hist []models.History
	require.NoError(t, db.Where("value_id = ?", row.ID).Order("added ASC").Find(&hist).Error)
	require.Len(t, hist, 3)
	assert.Equal(t, "20", hist[0].Value)
	assert.Equal(t, "22", hist[2].Value)

	s := w.Snapshot()
	assert.Equal(t, uint64(3), s.Queued)
	assert.Equal(t, uint64(1), s.Flushes)
	assert.Equal(t, uint64(1), s.ValuesUpdated)
	assert.Equal(t, uint64(3), s.HistoryInserted)
	assert.Equal(t, 0, s.Pending)
}

func TestFlushSkipsHistoryWhenNotRequested(t *testing.T) {
	w, db := newTestWriter(t)
	row := seedValue(t, db, "state")

	w.Queue(Record{ValueID: row.ID, Encoded: "on", Changed: time.Now().UTC()})
	require.NoError(t, w.Flush())

	var n int64
	require.NoError(t, db.Model(&models.History{}).Count(&n).Error)
	assert.Zero(t, n)

	var got models.Value
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, "on", got.Value)
}

func TestFlushEmptyBatchIsNoop(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.Flush())
	assert.Zero(t, w.Snapshot().Flushes)
}

func TestFlushUpdatesEachValueIndependently(t *testing.T) {
	w, db := newTestWriter(t)
	a := seedValue(t, db, "a")
	b := seedValue(t, db, "b")

	now := time.Now().UTC()
	w.Queue(Record{ValueID: a.ID, Encoded: "1", Changed: now, Source: "x"})
	w.Queue(Record{ValueID: b.ID, Encoded: "2", Changed: now, Source: "y"})
	require.NoError(t, w.Flush())

	var gotA, gotB models.Value
	require.NoError(t, db.First(&gotA, a.ID).Error)
	require.NoError(t, db.First(&gotB, b.ID).Error)
	assert.Equal(t, "1", gotA.Value)
	assert.Equal(t, "2", gotB.Value)
	assert.Equal(t, uint64(2), w.Snapshot().ValuesUpdated)
}

func TestConcurrentFlushesKeepQueueOrder(t *testing.T) {
	w, db := newTestWriter(t)
	row := seedValue(t, db, "temp")

	for i := 0; i < 20; i++ {
		w.Queue(Record{
			ValueID: row.ID,
			Encoded: strconv.Itoa(i),
			Changed: time.Now().UTC(),
		})
		var wg sync.WaitGroup
		for f := 0; f < 3; f++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = w.Flush()
			}()
		}
		wg.Wait()

		var got models.Value
		require.NoError(t, db.First(&got, row.ID).Error)
		assert.Equal(t, strconv.Itoa(i), got.Value)
	}
}

func TestStopFlushesResidual(t *testing.T) {
	w, db := newTestWriter(t)
	row := seedValue(t, db, "temp")
	w.Start()
	w.Queue(Record{ValueID: row.ID, Encoded: "5", Changed: time.Now().UTC()})
	w.Stop()

	var got models.Value
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, "5", got.Value)
}
