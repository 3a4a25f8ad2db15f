package notify

import (
	"testing"
	"time"
)

func TestNewWindowValidation(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		tz      string
		wantErr bool
	}{
		{"valid", "08:00", "22:00", "UTC", false},
		{"valid with zone", "09:30", "18:00", "Europe/Moscow", false},
		{"empty timezone is UTC", "08:00", "22:00", "", false},
		{"start after end", "22:00", "08:00", "UTC", true},
		{"start equals end", "12:00", "12:00", "UTC", true},
		{"garbage start", "8 o'clock", "22:00", "UTC", true},
		{"garbage end", "08:00", "25:99", "UTC", true},
		{"bad timezone", "08:00", "22:00", "Mars/Olympus", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWindow(tt.start, tt.end, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWindow(%q, %q, %q) error = %v, wantErr %v", tt.start, tt.end, tt.tz, err, tt.wantErr)
			}
		})
	}
}

func TestNextAllowedSendAt(t *testing.T) {
	w := MustWindow("08:00", "22:00", "UTC")
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"inside window passes through", day(12, 30), day(12, 30)},
		{"at window start passes through", day(8, 0), day(8, 0)},
		{"just before window end passes through", day(21, 59), day(21, 59)},
		{"before window moves to today's start", day(6, 15), day(8, 0)},
		{"midnight moves to today's start", day(0, 0), day(8, 0)},
		{"at window end moves to tomorrow", day(22, 0), day(8, 0).AddDate(0, 0, 1)},
		{"late evening moves to tomorrow", day(23, 45), day(8, 0).AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.NextAllowedSendAt(tt.now)
			if !got.Equal(tt.want) {
				t.Fatalf("NextAllowedSendAt(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

// Applying the mapping twice must not move the time again: the mapped
// time always falls inside the window.
func TestNextAllowedSendAtIdempotent(t *testing.T) {
	w := MustWindow("08:00", "22:00", "UTC")
	for hour := 0; hour < 24; hour++ {
		now := time.Date(2026, 3, 10, hour, 17, 0, 0, time.UTC)
		once := w.NextAllowedSendAt(now)
		twice := w.NextAllowedSendAt(once)
		if !twice.Equal(once) {
			t.Fatalf("hour %d: second application moved %v to %v", hour, once, twice)
		}
	}
}

func TestNextAllowedSendAtRespectsZone(t *testing.T) {
	w := MustWindow("08:00", "22:00", "Europe/Moscow")
	// 04:00 UTC is 07:00 in Moscow (UTC+3): still before the window.
	now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	got := w.NextAllowedSendAt(now)
	want := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC) // 08:00 MSK
	if !got.Equal(want) {
		t.Fatalf("NextAllowedSendAt = %v, want %v", got, want)
	}
}
