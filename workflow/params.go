package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Parameter keys shared with the workflow schemes.
const (
	ParamLeaveRequestID = "LeaveRequestId"
	ParamEmployeeID     = "EmployeeId"
	ParamEmployeeName   = "EmployeeName"
	ParamLeaveTypeCode  = "LeaveTypeCode"
	ParamTotalDays      = "TotalDays"
	ParamStartDate      = "StartDate"
	ParamEndDate        = "EndDate"
	ParamYear           = "Year"
	ParamStatus         = "Status"
	ParamComments       = "Comments"
)

// =============================================================================
// PARAMS - typed access to process parameters
// =============================================================================

// Params is the process parameter bag. Numbers are kept as json.Number so
// day counts never pass through float64.
type Params map[string]any

func decodeParams(raw json.RawMessage) (Params, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Params
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// Has reports whether name is present and not null.
func (p Params) Has(name string) bool {
	v, ok := p[name]
	return ok && v != nil
}

// String returns the parameter rendered as a string.
func (p Params) String(name string) (string, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// StringOr returns the string parameter or def when absent.
func (p Params) StringOr(name, def string) string {
	if s, ok := p.String(name); ok && s != "" {
		return s
	}
	return def
}

// Decimal returns the parameter as a decimal.
func (p Params) Decimal(name string) (decimal.Decimal, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return decimal.Zero, false
	}
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		return decimal.Zero, false
	}
}

// Int returns the parameter as an int.
func (p Params) Int(name string) (int, bool) {
	d, ok := p.Decimal(name)
	if !ok || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return int(d.IntPart()), true
}

// Bool returns the parameter as a bool.
func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	default:
		return false, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Time returns the parameter parsed as a timestamp or date.
func (p Params) Time(name string) (time.Time, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Param returns the named parameter converted to T. Supported targets are
// string, decimal.Decimal, int, bool and time.Time; any other T is filled
// by re-encoding the raw value as JSON.
func Param[T any](p Params, name string) (T, bool) {
	var zero T
	var out any
	var ok bool

	switch any(zero).(type) {
	case string:
		out, ok = p.String(name)
	case decimal.Decimal:
		out, ok = p.Decimal(name)
	case int:
		out, ok = p.Int(name)
	case bool:
		out, ok = p.Bool(name)
	case time.Time:
		out, ok = p.Time(name)
	default:
		v, present := p[name]
		if !present || v == nil {
			return zero, false
		}
		if typed, isT := v.(T); isT {
			return typed, true
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return zero, false
		}
		var val T
		if err := json.Unmarshal(raw, &val); err != nil {
			return zero, false
		}
		return val, true
	}

	if !ok {
		return zero, false
	}
	return out.(T), true
}
