// codec.go
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

package objects

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/osyshome/objectd/internal/models"
)

// DatetimeLayout is the persisted form of datetime values.
const DatetimeLayout = "2006-01-02 15:04:05.000"

// decode layouts accepted for datetime input, tried in order.
var datetimeLayouts = []string{
	DatetimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

var trueWords = map[string]bool{"true": true, "1": true, "t": true, "y": true, "yes": true, "on": true}
var falseWords = map[string]bool{"false": true, "0": true, "f": true, "n": true, "no": true, "off": true}

// Encode converts a decoded value to its persisted string form. It is
// total: values of unexpected Go types fall back to fmt.Sprint. Datetimes
// are stored UTC regardless of the zone they arrive in.
func Encode(kind string, v any, loc *time.Location) string {
	if v == nil {
		return ""
	}
	switch kind {
	case models.KindInt:
		switch n := v.(type) {
		case int:
			return strconv.Itoa(n)
		case int64:
			return strconv.FormatInt(n, 10)
		case float64:
			return strconv.FormatInt(int64(n), 10)
		}
	case models.KindFloat:
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64)
		case float32:
			return strconv.FormatFloat(float64(n), 'f', -1, 32)
		case int:
			return strconv.Itoa(n)
		case int64:
			return strconv.FormatInt(n, 10)
		}
	case models.KindBool:
		switch b := v.(type) {
		case bool:
			if b {
				return "true"
			}
			return "false"
		}
	case models.KindDatetime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(DatetimeLayout)
		}
	case models.KindDict, models.KindList:
		if s, ok := v.(string); ok {
			return s
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Decode converts a persisted string to the typed in-memory value. The
// second return reports success: on failure the raw string comes back as
// the value so nothing is silently lost, and the caller can mark the
// property decode-failed. The literal "None" is the absent value for
// every kind. Naive datetimes are read in loc and normalized to UTC.
func Decode(kind, s string, loc *time.Location) (any, bool) {
	if s == "None" {
		return nil, true
	}
	switch kind {
	case models.KindEmpty, models.KindStr:
		return s, true
	case models.KindInt:
		if s == "" {
			return nil, true
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return s, false
		}
		return n, true
	case models.KindFloat:
		if s == "" {
			return nil, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return s, false
		}
		return f, true
	case models.KindBool:
		w := strings.ToLower(strings.TrimSpace(s))
		if trueWords[w] {
			return true, true
		}
		if falseWords[w] {
			return false, true
		}
		// fall back to truthiness of the raw string
		return s != "", true
	case models.KindDatetime:
		if s == "" {
			return nil, true
		}
		if loc == nil {
			loc = time.UTC
		}
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), true
			}
		}
		return s, false
	case models.KindDict:
		if s == "" {
			return nil, true
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return s, false
		}
		return m, true
	case models.KindList:
		if s == "" {
			return nil, true
		}
		var l []any
		if err := json.Unmarshal([]byte(s), &l); err != nil {
			return s, false
		}
		return l, true
	}
	return s, true
}

// InferKind picks a property type for lazily created properties from the
// first written value.
func InferKind(v any) string {
	switch v.(type) {
	case nil:
		return models.KindEmpty
	case bool:
		return models.KindBool
	case int, int64:
		return models.KindInt
	case float32, float64:
		return models.KindFloat
	case time.Time:
		return models.KindDatetime
	case map[string]any:
		return models.KindDict
	case []any:
		return models.KindList
	default:
		return models.KindStr
	}
}

// Equal compares two decoded values for the update-skip check. It
// tolerates int/float mixes produced by JSON decoding.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	switch a.(type) {
	case map[string]any, []any:
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		return string(aj) == string(bj)
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
