package schedule

import (
	"testing"
	"time"
)

func TestEncodeShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		value int
		unit  Unit
		want  string
	}{
		{name: "every minute", value: 1, unit: UnitMinutes, want: "* * * * *"},
		{name: "every 5 minutes", value: 5, unit: UnitMinutes, want: "*/5 * * * *"},
		{name: "every hour", value: 1, unit: UnitHours, want: "0 * * * *"},
		{name: "every 6 hours", value: 6, unit: UnitHours, want: "0 */6 * * *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.value, tt.unit); got != tt.want {
				t.Fatalf("Encode(%d, %s) = %q, want %q", tt.value, tt.unit, got, tt.want)
			}
		})
	}
}

func TestDecodeRoundTripsEncodeOverFullRange(t *testing.T) {
	t.Parallel()
	for _, unit := range []Unit{UnitMinutes, UnitHours} {
		for v := MinValue; v <= MaxValue; v++ {
			expr := Encode(v, unit)
			got, ok := Decode(expr)
			if !ok {
				t.Fatalf("Decode(%q) rejected output of Encode(%d, %s)", expr, v, unit)
			}
			if got.Value != v || got.Unit != unit {
				t.Fatalf("Decode(Encode(%d, %s)) = %+v", v, unit, got)
			}
		}
	}
}

func TestDecodeRejectsUnsupportedShapes(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"",
		"0 9 * * 1",
		"*/5 * * * 1",
		"*/5 * 1 * *",
		"*/0 * * * *",
		"*/-3 * * * *",
		"*/+3 * * * *",
		"5 * * * *",
		"15 */2 * * *",
		"0 */0 * * *",
		"*/5 */2 * * *",
		"@hourly",
		"@every 5m",
		"*/5 * * *",
		"*/5 * * * * *",
		"every 5 minutes",
		"*/99999999999999999999 * * * *",
	} {
		if iv, ok := Decode(expr); ok {
			t.Fatalf("Decode(%q) = %+v, want none", expr, iv)
		}
	}
}

func TestDecodeNormalisesUnitStep(t *testing.T) {
	t.Parallel()
	iv, ok := Decode("*/1 * * * *")
	if !ok || iv != (Interval{Value: 1, Unit: UnitMinutes}) {
		t.Fatalf("Decode(*/1) = %+v, %v", iv, ok)
	}
	iv, ok = Decode("  0   */1 * * *  ")
	if !ok || iv != (Interval{Value: 1, Unit: UnitHours}) {
		t.Fatalf("Decode(0 */1) = %+v, %v", iv, ok)
	}
}

func TestPeriodOf(t *testing.T) {
	t.Parallel()
	if got := PeriodMs(5, UnitMinutes); got != 300000 {
		t.Fatalf("PeriodMs(5, minutes) = %d", got)
	}
	if got := PeriodMs(2, UnitHours); got != 7200000 {
		t.Fatalf("PeriodMs(2, hours) = %d", got)
	}
	if got := (Interval{Value: 90, Unit: UnitMinutes}).Period(); got != 90*time.Minute {
		t.Fatalf("Period = %v", got)
	}
}

func TestIntervalString(t *testing.T) {
	t.Parallel()
	if s := (Interval{Value: 1, Unit: UnitHours}).String(); s != "every hour" {
		t.Fatalf("got %q", s)
	}
	if s := (Interval{Value: 15, Unit: UnitMinutes}).String(); s != "every 15 minutes" {
		t.Fatalf("got %q", s)
	}
}

func TestValidateInterval(t *testing.T) {
	t.Parallel()
	if err := ValidateInterval(0, UnitMinutes); err == nil {
		t.Fatal("expected error for 0")
	}
	if err := ValidateInterval(1001, UnitHours); err == nil {
		t.Fatal("expected error for 1001")
	}
	if err := ValidateInterval(10, Unit("days")); err == nil {
		t.Fatal("expected error for days")
	}
	if err := ValidateInterval(1000, UnitHours); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u, err := ParseUnit("Hours"); err != nil || u != UnitHours {
		t.Fatalf("ParseUnit(Hours) = %v, %v", u, err)
	}
}
