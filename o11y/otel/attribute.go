package otel

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// attr converts a field value to an attribute. Values with no attribute type of their own
// are printed, so durations read as 1.5s and file modes as -rwxr-xr-x.
func attr(key string, val any) attribute.KeyValue {
	k := attribute.Key(key)
	switch v := val.(type) {
	case nil:
		return k.String("")
	case string:
		return k.String(v)
	case []string:
		return k.StringSlice(v)
	case bool:
		return k.Bool(v)
	case int:
		return k.Int(v)
	case int32:
		return k.Int64(int64(v))
	case int64:
		return k.Int64(v)
	case float64:
		return k.Float64(v)
	case error:
		return k.String(v.Error())
	case time.Duration, os.FileMode, fmt.Stringer:
		return k.String(fmt.Sprint(v))
	}
	return k.String(fmt.Sprintf("%v", val))
}
