package objects

import (
	"context"
	"fmt"
	"time"

	"github.com/osyshome/objectd/internal/models"
	"gorm.io/hints"
)

// HistoryPoint is one decoded audit sample. Changed is in the
// configured local timezone.
type HistoryPoint struct {
	Value   any       `json:"value"`
	Changed time.Time `json:"changed"`
	Source  string    `json:"source,omitempty"`
}

// HistoryQuery narrows GetHistory. Begin/End are inclusive; a zero
// Limit means unlimited. Mapper, when set, transforms each point
// before it is returned.
type HistoryQuery struct {
	Begin      *time.Time
	End        *time.Time
	Limit      int
	Descending bool
	Mapper     func(HistoryPoint) HistoryPoint
}

// Aggregate functions accepted by GetHistoryAggregate.
const (
	AggMin   = "min"
	AggMax   = "max"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggCount = "count"
)

// GetHistory returns the stored samples of a property decoded to typed
// values. The current in-memory value is appended when it falls inside
// the requested range and is not already the newest stored point, so
// callers always see the latest sample.
func (o *ObjectManager) GetHistory(ctx context.Context, name string, q HistoryQuery) ([]HistoryPoint, error) {
	if err := o.checkPermissions(ctx, OpGet, "properties."+name); err != nil {
		return nil, err
	}
	pm, ok := o.Property(name)
	if !ok {
		return nil, fmt.Errorf("object %s: no property %s", o.name, name)
	}
	if pm.ValueID() == 0 {
		return o.withCurrentPoint(pm, nil, q), nil
	}

	tx := o.storage.db.WithContext(ctx).
		Where("value_id = ?", pm.ValueID())
	if q.Begin != nil {
		tx = tx.Where("added >= ?", q.Begin.UTC())
	}
	if q.End != nil {
		tx = tx.Where("added <= ?", q.End.UTC())
	}
	if q.Descending {
		tx = tx.Order("added DESC")
	} else {
		tx = tx.Order("added ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []models.History
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history %s.%s: %w", o.name, name, err)
	}

	points := make([]HistoryPoint, 0, len(rows)+1)
	for _, row := range rows {
		v, _ := Decode(pm.Kind(), row.Value, o.storage.loc)
		points = append(points, HistoryPoint{
			Value:   v,
			Changed: row.Added.In(o.storage.loc),
			Source:  row.Source,
		})
	}
	return o.withCurrentPoint(pm, points, q), nil
}

// withCurrentPoint appends the live in-memory sample when it is inside
// the range and newer than the last stored point, then applies the
// mapper.
func (o *ObjectManager) withCurrentPoint(pm *PropertyManager, points []HistoryPoint, q HistoryQuery) []HistoryPoint {
	changed := pm.Changed()
	inRange := !changed.IsZero()
	if inRange && q.Begin != nil && changed.Before(*q.Begin) {
		inRange = false
	}
	if inRange && q.End != nil && changed.After(*q.End) {
		inRange = false
	}
	if inRange {
		present := false
		for i := len(points) - 1; i >= 0; i-- {
			if points[i].Changed.Equal(changed.In(o.storage.loc)) {
				present = true
				break
			}
		}
		if !present {
			cur := HistoryPoint{
				Value:   pm.Peek(),
				Changed: changed.In(o.storage.loc),
				Source:  pm.Source(),
			}
			if q.Descending {
				points = append([]HistoryPoint{cur}, points...)
			} else {
				points = append(points, cur)
			}
		}
	}
	if q.Mapper != nil {
		for i := range points {
			points[i] = q.Mapper(points[i])
		}
	}
	return points
}

// AggregateBundle carries every aggregate over one range.
type AggregateBundle struct {
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Sum   float64  `json:"sum"`
	Avg   *float64 `json:"avg"`
	Count int64    `json:"count"`
}

// GetHistoryAggregate computes one aggregate function over the samples
// in [begin, end], or the full bundle when fn is empty. count runs as
// an index-backed query; the rest decode through GetHistory.
func (o *ObjectManager) GetHistoryAggregate(ctx context.Context, name string, begin, end *time.Time, fn string) (any, error) {
	switch fn {
	case "":
		bundle := AggregateBundle{}
		n, err := o.historyCount(ctx, name, begin, end)
		if err != nil {
			return nil, err
		}
		bundle.Count = n
		mn, mx, sum, avg, err := o.numericAggregates(ctx, name, begin, end)
		if err != nil {
			return nil, err
		}
		bundle.Min, bundle.Max, bundle.Sum, bundle.Avg = mn, mx, sum, avg
		return bundle, nil
	case AggCount:
		return o.historyCount(ctx, name, begin, end)
	case AggMin, AggMax, AggSum, AggAvg:
		mn, mx, sum, avg, err := o.numericAggregates(ctx, name, begin, end)
		if err != nil {
			return nil, err
		}
		switch fn {
		case AggMin:
			return deref(mn), nil
		case AggMax:
			return deref(mx), nil
		case AggSum:
			return sum, nil
		default:
			return deref(avg), nil
		}
	default:
		return nil, fmt.Errorf("object %s: unknown aggregate %q", o.name, fn)
	}
}

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// historyCount counts samples without decoding them. The composite
// (value_id, added) index covers the whole predicate.
func (o *ObjectManager) historyCount(ctx context.Context, name string, begin, end *time.Time) (int64, error) {
	if err := o.checkPermissions(ctx, OpGet, "properties."+name); err != nil {
		return 0, err
	}
	pm, ok := o.Property(name)
	if !ok {
		return 0, fmt.Errorf("object %s: no property %s", o.name, name)
	}
	if pm.ValueID() == 0 {
		return 0, nil
	}
	tx := o.storage.db.WithContext(ctx).Model(&models.History{})
	// USE INDEX is mysql syntax; the other dialects pick the composite
	// index on their own
	if o.storage.db.Dialector.Name() == "mysql" {
		tx = tx.Clauses(hints.UseIndex("idx_history_value_added"))
	}
	tx = tx.Where("value_id = ?", pm.ValueID())
	if begin != nil {
		tx = tx.Where("added >= ?", begin.UTC())
	}
	if end != nil {
		tx = tx.Where("added <= ?", end.UTC())
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("history count %s.%s: %w", o.name, name, err)
	}
	return n, nil
}

func (o *ObjectManager) numericAggregates(ctx context.Context, name string, begin, end *time.Time) (mn, mx *float64, sum float64, avg *float64, err error) {
	points, err := o.GetHistory(ctx, name, HistoryQuery{Begin: begin, End: end})
	if err != nil {
		return nil, nil, 0, nil, err
	}
	var n int
	for _, pt := range points {
		f, ok := toFloat(pt.Value)
		if !ok {
			continue
		}
		if mn == nil || f < *mn {
			v := f
			mn = &v
		}
		if mx == nil || f > *mx {
			v := f
			mx = &v
		}
		sum += f
		n++
	}
	if n > 0 {
		v := sum / float64(n)
		avg = &v
	}
	return mn, mx, sum, avg, nil
}
