package logger

import (
	"time"

	"go.uber.org/zap"
)

// String creates a string field.
func String(key, val string) Field { return zap.String(key, val) }

// Int creates an int field.
func Int(key string, val int) Field { return zap.Int(key, val) }

// Int64 creates an int64 field.
func Int64(key string, val int64) Field { return zap.Int64(key, val) }

// Float64 creates a float64 field.
func Float64(key string, val float64) Field { return zap.Float64(key, val) }

// Bool creates a bool field.
func Bool(key string, val bool) Field { return zap.Bool(key, val) }

// Duration creates a duration field.
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }

// Time creates a time field.
func Time(key string, val time.Time) Field { return zap.Time(key, val) }

// Error creates an error field under the "error" key.
func Error(err error) Field { return zap.Error(err) }

// Any creates a field holding an arbitrary value.
func Any(key string, val any) Field { return zap.Any(key, val) }

// Strings creates a string slice field.
func Strings(key string, val []string) Field { return zap.Strings(key, val) }

// Domain identifiers use fixed keys so log queries can join across components.

// Component tags the emitting component.
func Component(name string) Field { return zap.String("component", name) }

// UserID tags the owning user.
func UserID(id string) Field { return zap.String("user_id", id) }

// SourceID tags a tracking source.
func SourceID(id string) Field { return zap.String("source_id", id) }

// JobID tags a queued job.
func JobID(id string) Field { return zap.String("job_id", id) }

// RunID tags a harvest run.
func RunID(id string) Field { return zap.String("run_id", id) }

// ItemID tags a content item.
func ItemID(id string) Field { return zap.String("content_item_id", id) }
