package webhooks

import (
	"testing"
	"time"
)

func TestDefaultStrategyValues(t *testing.T) {
	s := DefaultStrategy()
	want := []time.Duration{10 * time.Second, 100 * time.Second, 1000 * time.Second}
	for i, w := range want {
		if got := s.Wait(i + 1); got != w {
			t.Fatalf("Wait(%d)=%s want %s", i+1, got, w)
		}
	}
}

func TestExponentialCap(t *testing.T) {
	e := Exponential{Base: time.Second, Factor: 2, Max: 5 * time.Second}
	if got := e.Wait(10); got != 5*time.Second {
		t.Fatalf("cap not applied: %s", got)
	}
	if got := e.Wait(0); got != time.Second {
		t.Fatalf("attempt below 1 should behave as 1: %s", got)
	}
}

func TestLinearAndFixed(t *testing.T) {
	l := Linear{Step: 30 * time.Second}
	if got := l.Wait(3); got != 90*time.Second {
		t.Fatalf("linear: %s", got)
	}
	f := Fixed{Delay: time.Minute}
	if f.Wait(1) != time.Minute || f.Wait(7) != time.Minute {
		t.Fatalf("fixed should not vary")
	}
	var s Strategy = StrategyFunc(func(a int) time.Duration { return time.Duration(a) * time.Millisecond })
	if s.Wait(4) != 4*time.Millisecond {
		t.Fatalf("StrategyFunc")
	}
}

func TestJitteredBounds(t *testing.T) {
	base := Fixed{Delay: 100 * time.Second}
	lo := Jittered{Strategy: base, Fraction: 0.2, rand: func() float64 { return 0 }}
	hi := Jittered{Strategy: base, Fraction: 0.2, rand: func() float64 { return 1 }}
	mid := Jittered{Strategy: base, Fraction: 0.2, rand: func() float64 { return 0.5 }}
	if got := lo.Wait(1); got != 80*time.Second {
		t.Fatalf("low bound: %s", got)
	}
	if got := hi.Wait(1); got != 120*time.Second {
		t.Fatalf("high bound: %s", got)
	}
	if got := mid.Wait(1); got != 100*time.Second {
		t.Fatalf("midpoint: %s", got)
	}
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in      string
		attempt int
		want    time.Duration
	}{
		{"", 2, 100 * time.Second},
		{"exponential", 3, 1000 * time.Second},
		{"exponential:1s:2", 3, 4 * time.Second},
		{"linear:5s", 2, 10 * time.Second},
		{"fixed:250ms", 9, 250 * time.Millisecond},
	}
	for _, c := range cases {
		s, err := ParseStrategy(c.in)
		if err != nil {
			t.Fatalf("ParseStrategy(%q): %v", c.in, err)
		}
		if got := s.Wait(c.attempt); got != c.want {
			t.Fatalf("ParseStrategy(%q).Wait(%d)=%s want %s", c.in, c.attempt, got, c.want)
		}
	}
	if s, err := ParseStrategy("jitter:fixed:10s"); err != nil {
		t.Fatalf("jitter: %v", err)
	} else if _, ok := s.(Jittered); !ok {
		t.Fatalf("jitter prefix should wrap, got %T", s)
	}
	for _, bad := range []string{"fibonacci", "fixed:soon", "exponential:1s:0.5"} {
		if _, err := ParseStrategy(bad); err == nil {
			t.Fatalf("ParseStrategy(%q) should fail", bad)
		}
	}
}
