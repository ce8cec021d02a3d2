package statuslog

import "testing"

func TestLogSequenceNumberLess(t *testing.T) {
	cases := []struct {
		name     string
		a, b     LogSequenceNumber
		wantLess bool
	}{
		{"same epoch lower offset", LogSequenceNumber{0, 1}, LogSequenceNumber{0, 2}, true},
		{"same epoch higher offset", LogSequenceNumber{0, 2}, LogSequenceNumber{0, 1}, false},
		{"earlier epoch wins regardless of offset", LogSequenceNumber{0, 100}, LogSequenceNumber{1, 0}, true},
		{"equal", LogSequenceNumber{2, 5}, LogSequenceNumber{2, 5}, false},
		{"zero less than anything real", ZeroLSN, LogSequenceNumber{0, 0}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.Less(c.b); got != c.wantLess {
				t.Errorf("%s.Less(%s) = %v, want %v", c.a, c.b, got, c.wantLess)
			}
		})
	}
}

func TestLogSequenceNumberNext(t *testing.T) {
	lsn := LogSequenceNumber{Epoch: 3, Offset: 7}
	next := lsn.Next()
	if next.Epoch != 3 || next.Offset != 8 {
		t.Fatalf("Next() = %+v, want {3 8}", next)
	}
	if !lsn.Less(next) {
		t.Fatalf("lsn must be Less than its own Next()")
	}
}

func TestZeroLSNIsZero(t *testing.T) {
	if !ZeroLSN.IsZero() {
		t.Fatal("ZeroLSN.IsZero() = false")
	}
	if (LogSequenceNumber{0, 0}).IsZero() {
		t.Fatal("{0,0}.IsZero() = true, want false")
	}
}

func TestLogSequenceNumberString(t *testing.T) {
	if got := (LogSequenceNumber{Epoch: 4, Offset: 9}).String(); got != "4:9" {
		t.Fatalf("String() = %q, want %q", got, "4:9")
	}
}
