package db

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Time is a timestamp stored as unix milliseconds, which every supported
// driver can represent the same way
type Time struct {
	time.Time
}

// NewTime truncates t to millisecond precision, which is what's stored
func NewTime(t time.Time) Time {
	return Time{Time: time.UnixMilli(t.UnixMilli()).UTC()}
}

// Now returns the current time with millisecond precision
func Now() Time {
	return NewTime(time.Now())
}

// TimePtr is a convenience for nullable columns
func TimePtr(t time.Time) *Time {
	converted := NewTime(t)
	return &converted
}

// Value implements driver.Valuer
func (t Time) Value() (driver.Value, error) {
	return t.UnixMilli(), nil
}

// Scan implements sql.Scanner
func (t *Time) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		t.Time = time.UnixMilli(v).UTC()
	case int32:
		t.Time = time.UnixMilli(int64(v)).UTC()
	case time.Time:
		t.Time = v.UTC()
	default:
		return fmt.Errorf("cannot scan %T into db.Time", src)
	}
	return nil
}
