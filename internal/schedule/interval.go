package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unit is the granularity of a recurring interval.
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
)

// Bounds accepted from the settings surface.
const (
	MinValue = 1
	MaxValue = 1000
)

// Interval is the human form of a recurrence expression.
type Interval struct {
	Value int  `json:"value"`
	Unit  Unit `json:"unit"`
}

// Period returns the tick period for the interval.
func (iv Interval) Period() time.Duration { return PeriodOf(iv.Value, iv.Unit) }

func (iv Interval) String() string {
	singular := "minute"
	if iv.Unit == UnitHours {
		singular = "hour"
	}
	if iv.Value == 1 {
		return "every " + singular
	}
	return fmt.Sprintf("every %d %ss", iv.Value, singular)
}

// Recurrence expressions are five-field cron strings. Only these shapes are
// understood; everything else is "no schedule":
//
//	* * * * *      every minute
//	*/N * * * *    every N minutes
//	0 * * * *      every hour
//	0 */N * * *    every N hours
var reStep = regexp.MustCompile(`^\*/([1-9][0-9]*)$`)

// Encode renders value/unit as a recurrence expression.
// The caller validates value (see ValidateInterval).
func Encode(value int, unit Unit) string {
	if unit == UnitHours {
		if value == 1 {
			return "0 * * * *"
		}
		return fmt.Sprintf("0 */%d * * *", value)
	}
	if value == 1 {
		return "* * * * *"
	}
	return fmt.Sprintf("*/%d * * * *", value)
}

// Decode parses a recurrence expression produced by Encode.
// ok is false for any expression outside the four supported shapes.
func Decode(expr string) (iv Interval, ok bool) {
	f := strings.Fields(expr)
	if len(f) != 5 {
		return Interval{}, false
	}
	// day-of-month, month and day-of-week must be wildcards.
	for _, x := range f[2:] {
		if x != "*" {
			return Interval{}, false
		}
	}

	minute, hour := f[0], f[1]
	switch {
	case hour == "*" && minute == "*":
		return Interval{Value: 1, Unit: UnitMinutes}, true
	case hour == "*" && minute == "0":
		return Interval{Value: 1, Unit: UnitHours}, true
	case hour == "*":
		n, ok := parseStep(minute, UnitMinutes)
		if !ok {
			return Interval{}, false
		}
		return Interval{Value: n, Unit: UnitMinutes}, true
	case minute == "0":
		n, ok := parseStep(hour, UnitHours)
		if !ok {
			return Interval{}, false
		}
		return Interval{Value: n, Unit: UnitHours}, true
	}
	return Interval{}, false
}

func parseStep(field string, unit Unit) (int, bool) {
	m := reStep.FindStringSubmatch(field)
	if len(m) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	// Reject steps whose period would overflow.
	if int64(n) > math.MaxInt64/int64(unitPeriod(unit)) {
		return 0, false
	}
	return n, true
}

// PeriodOf converts value/unit into a tick period.
func PeriodOf(value int, unit Unit) time.Duration {
	return time.Duration(value) * unitPeriod(unit)
}

// PeriodMs is PeriodOf in integer milliseconds.
func PeriodMs(value int, unit Unit) int64 {
	return PeriodOf(value, unit).Milliseconds()
}

func unitPeriod(unit Unit) time.Duration {
	if unit == UnitHours {
		return time.Hour
	}
	return time.Minute
}

// ParseUnit accepts "minutes"/"hours" (and their singular forms).
func ParseUnit(raw string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "minutes", "minute", "min", "m":
		return UnitMinutes, nil
	case "hours", "hour", "h":
		return UnitHours, nil
	}
	return "", fmt.Errorf("invalid unit %q (use minutes or hours)", raw)
}

// ValidateInterval checks the bounds enforced by the settings surface.
func ValidateInterval(value int, unit Unit) error {
	if value < MinValue || value > MaxValue {
		return fmt.Errorf("interval value must be in [%d, %d], got %d", MinValue, MaxValue, value)
	}
	if unit != UnitMinutes && unit != UnitHours {
		return fmt.Errorf("invalid unit %q", unit)
	}
	return nil
}
