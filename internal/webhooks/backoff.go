package webhooks

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Strategy maps the number of attempts already made (1 after the first
// failure) to the wait before the next one.
type Strategy interface {
	Wait(attempt int) time.Duration
}

type StrategyFunc func(attempt int) time.Duration

func (f StrategyFunc) Wait(attempt int) time.Duration { return f(attempt) }

// Exponential waits Base * Factor^(attempt-1), capped at Max when set.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e Exponential) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := e.Factor
	if f <= 0 {
		f = 2
	}
	d := float64(e.Base) * math.Pow(f, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Linear waits Step * attempt.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

func (l Linear) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Step * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

type Fixed struct {
	Delay time.Duration
}

func (f Fixed) Wait(int) time.Duration { return f.Delay }

// Jittered spreads the wrapped strategy by +/- Fraction of its value.
type Jittered struct {
	Strategy Strategy
	Fraction float64
	rand     func() float64
}

func (j Jittered) Wait(attempt int) time.Duration {
	d := j.Strategy.Wait(attempt)
	r := j.rand
	if r == nil {
		r = rand.Float64
	}
	spread := float64(d) * j.Fraction * (2*r() - 1)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}

// DefaultStrategy gives 10s, 100s, 1000s.
func DefaultStrategy() Strategy {
	return Exponential{Base: 10 * time.Second, Factor: 10}
}

// ParseStrategy maps a config identifier to a Strategy. Accepted forms:
// "exponential", "exponential:<base>:<factor>", "linear", "linear:<step>",
// "fixed", "fixed:<delay>", and any of these with a "jitter:" prefix.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if rest, ok := strings.CutPrefix(name, "jitter:"); ok {
		inner, err := ParseStrategy(rest)
		if err != nil {
			return nil, err
		}
		return Jittered{Strategy: inner, Fraction: 0.2}, nil
	}
	parts := strings.Split(name, ":")
	switch parts[0] {
	case "", "exponential", "default":
		e := Exponential{Base: 10 * time.Second, Factor: 10}
		if len(parts) > 1 {
			d, err := time.ParseDuration(parts[1])
			if err != nil {
				return nil, fmt.Errorf("backoff %q: %w", name, err)
			}
			e.Base = d
		}
		if len(parts) > 2 {
			f, err := strconv.ParseFloat(parts[2], 64)
			if err != nil || f < 1 {
				return nil, fmt.Errorf("backoff %q: bad factor", name)
			}
			e.Factor = f
		}
		return e, nil
	case "linear":
		l := Linear{Step: 10 * time.Second}
		if len(parts) > 1 {
			d, err := time.ParseDuration(parts[1])
			if err != nil {
				return nil, fmt.Errorf("backoff %q: %w", name, err)
			}
			l.Step = d
		}
		return l, nil
	case "fixed":
		f := Fixed{Delay: 10 * time.Second}
		if len(parts) > 1 {
			d, err := time.ParseDuration(parts[1])
			if err != nil {
				return nil, fmt.Errorf("backoff %q: %w", name, err)
			}
			f.Delay = d
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown backoff strategy %q", name)
}
