package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const timestampStorageFormat = "2006-01-02 15:04:05.999999-07:00"

// Time wraps time.Time with the scan/value glue needed to round-trip through
// both the Postgres and SQLite drivers, which report timestamps differently.
type Time struct {
	time.Time
}

func NewTime(t time.Time) Time {
	// Postgres only stores to microsecond precision; round before storing so a
	// value read back never disagrees with the one that was written.
	return Time{Time: t.UTC().Round(time.Microsecond)}
}

func (s *Time) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	switch t := src.(type) {
	case time.Time:
		*s = NewTime(t)
	case string:
		parsed, err := time.Parse(timestampStorageFormat, t)
		if err != nil {
			return errors.Wrap(err, "parsing time")
		}
		*s = Time{Time: parsed.UTC()}
	default:
		return fmt.Errorf("unsupported time source type: %[1]T (%[1]v)", src)
	}
	return nil
}

func (s Time) Value() (driver.Value, error) {
	return s.Format(timestampStorageFormat), nil
}
