package sync

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// PartialDate is a date with optional month and day, the precision the
// remote service accepts on affiliations. The zero value means "not set".
type PartialDate struct {
	Year  int
	Month int
	Day   int
}

func (d PartialDate) IsZero() bool {
	return d.Year == 0
}

// String renders the date at its known precision: "2004", "2004-03" or
// "2004-03-31". The zero value renders as "".
func (d PartialDate) String() string {
	if d.IsZero() {
		return ""
	}
	out := strconv.Itoa(d.Year)
	if d.Month > 0 {
		out += fmt.Sprintf("-%02d", d.Month)
		if d.Day > 0 {
			out += fmt.Sprintf("-%02d", d.Day)
		}
	}
	return out
}

func ParsePartialDate(s string) (PartialDate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PartialDate{}, nil
	}
	parts := strings.SplitN(s, "-", 3)
	var d PartialDate
	var err error
	if d.Year, err = strconv.Atoi(parts[0]); err != nil || len(parts[0]) != 4 {
		return PartialDate{}, fmt.Errorf("invalid partial date %q", s)
	}
	if len(parts) > 1 {
		if d.Month, err = strconv.Atoi(parts[1]); err != nil || d.Month < 1 || d.Month > 12 {
			return PartialDate{}, fmt.Errorf("invalid partial date %q", s)
		}
	}
	if len(parts) > 2 {
		if d.Day, err = strconv.Atoi(parts[2]); err != nil || d.Day < 1 || d.Day > 31 {
			return PartialDate{}, fmt.Errorf("invalid partial date %q", s)
		}
	}
	return d, nil
}

// Value implements driver.Valuer so the date persists as its string form.
func (d PartialDate) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *PartialDate) Scan(src any) error {
	if src == nil {
		*d = PartialDate{}
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into PartialDate", src)
	}
	parsed, err := ParsePartialDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
