package ecosystem

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var (
	durationType    = reflect.TypeOf(time.Duration(0))
	stringSliceType = reflect.TypeOf([]string(nil))
)

// durationHook accepts Go duration strings ("10s", "1m30s") and bare numbers,
// which are milliseconds as in pm2 declarations.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType {
			return data, nil
		}
		return ParseDuration(data)
	}
}

// ParseDuration converts a declaration value into a duration.
func ParseDuration(data any) (time.Duration, error) {
	switch v := data.(type) {
	case time.Duration:
		return v, nil
	case json.Number:
		return ParseDuration(v.String())
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return millis(ms)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return d, nil
	}
	rv := reflect.ValueOf(data)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n > maxMillis || n < -maxMillis {
			return 0, fmt.Errorf("duration %dms is out of range", n)
		}
		return time.Duration(n) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > uint64(maxMillis) {
			return 0, fmt.Errorf("duration %dms is out of range", n)
		}
		return time.Duration(n) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return millis(rv.Float())
	}
	return 0, fmt.Errorf("invalid duration %v", data)
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

func millis(ms float64) (time.Duration, error) {
	if math.IsNaN(ms) || math.Abs(ms) > float64(maxMillis) {
		return 0, fmt.Errorf("duration %vms is out of range", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// stringOrListHook lets args be written either as a list or as a single
// space separated string.
func stringOrListHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, t reflect.Type, data any) (any, error) {
		if t != stringSliceType {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return strings.Fields(s), nil
		}
		return data, nil
	}
}

// scalarToStringHook stringifies numbers and booleans decoded into string
// fields, e.g. env: {PORT: 3000}.
func scalarToStringHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t.Kind() != reflect.String || f == nil {
			return data, nil
		}
		switch v := data.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(reflect.ValueOf(data).Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(reflect.ValueOf(data).Uint(), 10), nil
		}
		return data, nil
	}
}
