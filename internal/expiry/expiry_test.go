package expiry

import (
	"testing"
	"time"
)

func TestDefault_Rollover(t *testing.T) {
	issue := time.Date(2029, time.December, 15, 0, 0, 0, 0, time.UTC)
	got := Default(issue, 1)
	want := time.Date(2030, time.December, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Default got %v want %v", got, want)
	}
	if face := CardFace(got); face != "12/30" {
		t.Fatalf("CardFace got %s want %s", face, "12/30")
	}
}

func TestDefault_LeapIssue(t *testing.T) {
	// Leap day issue lands on the last day of February in a non-leap year.
	issue := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)
	got := Default(issue, 3)
	want := time.Date(2031, time.February, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Default got %v want %v", got, want)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2030-04-30")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if d.Year() != 2030 || d.Month() != time.April || d.Day() != 30 {
		t.Fatalf("got %v", d)
	}
	for _, in := range []string{"30-04-2030", "2030-13-01", "", "2030/04/30"} {
		if _, err := ParseDate(in); err == nil {
			t.Fatalf("ParseDate(%q) expected error", in)
		}
	}
}

func TestIsExpired(t *testing.T) {
	exp := time.Date(2030, time.February, 28, 0, 0, 0, 0, time.UTC)
	end := EndOfDay(exp, time.UTC)
	if IsExpired(exp, end.Add(-time.Nanosecond)) {
		t.Fatalf("expected not expired before end")
	}
	// The expiration date itself is still valid.
	if IsExpired(exp, end) {
		t.Fatalf("expected not expired at end")
	}
	if !IsExpired(exp, end.Add(time.Nanosecond)) {
		t.Fatalf("expected expired after end")
	}
}

func TestInFuture(t *testing.T) {
	now := time.Date(2030, time.March, 10, 18, 0, 0, 0, time.UTC)
	if InFuture(time.Date(2030, time.March, 10, 0, 0, 0, 0, time.UTC), now) {
		t.Fatalf("today is not in the future")
	}
	if !InFuture(time.Date(2030, time.March, 11, 0, 0, 0, 0, time.UTC), now) {
		t.Fatalf("tomorrow is in the future")
	}
}

func TestReissueDue(t *testing.T) {
	exp := time.Date(2030, time.February, 28, 0, 0, 0, 0, time.UTC)
	end := EndOfDay(exp, time.UTC)
	days := 30
	if ReissueDue(exp, end.AddDate(0, 0, -days-1), days) {
		t.Fatalf("expected not due before window")
	}
	if !ReissueDue(exp, end.AddDate(0, 0, -days), days) {
		t.Fatalf("expected due at window start")
	}
	if !ReissueDue(exp, end, days) {
		t.Fatalf("expected due at window end")
	}
	if ReissueDue(exp, end.Add(time.Nanosecond), days) {
		t.Fatalf("expected not due after expiry")
	}
}

func TestYearsForProduct(t *testing.T) {
	if got := YearsForProduct("credit", 0); got != 3 {
		t.Fatalf("credit years got %d want %d", got, 3)
	}
	if got := YearsForProduct("debit", 0); got != 5 {
		t.Fatalf("debit years got %d want %d", got, 5)
	}
	if got := YearsForProduct("anything", 7); got != 7 {
		t.Fatalf("override years got %d want %d", got, 7)
	}
}
