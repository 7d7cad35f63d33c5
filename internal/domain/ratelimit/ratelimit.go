// Package ratelimit simulates realistic response timing: per-request
// delays derived from a configured range or from the endpoint's own
// moving-average latency, and fan-out strategies for n-of requests.
package ratelimit

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the per-request delay is computed.
type Mode int

const (
	ModeNone  Mode = iota // no artificial delay
	ModeRange             // uniform sample in [Min, Max]
	ModeAvg               // the fingerprint's moving average (doubles response time)
)

// Spec is a parsed delay specification.
type Spec struct {
	Mode Mode
	Min  time.Duration
	Max  time.Duration
}

// ParseSpec parses a delay spec: "" (none), "max" (moving average),
// "min-max" or "n" in milliseconds.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return Spec{Mode: ModeNone}, nil
	case "max":
		return Spec{Mode: ModeAvg}, nil
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		min, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return Spec{}, fmt.Errorf("bad delay range %q: %w", s, err)
		}
		max, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return Spec{}, fmt.Errorf("bad delay range %q: %w", s, err)
		}
		if min < 0 || max < min {
			return Spec{}, fmt.Errorf("bad delay range %q: need 0 <= min <= max", s)
		}
		return Spec{
			Mode: ModeRange,
			Min:  time.Duration(min) * time.Millisecond,
			Max:  time.Duration(max) * time.Millisecond,
		}, nil
	}

	fixed, err := strconv.Atoi(s)
	if err != nil || fixed < 0 {
		return Spec{}, fmt.Errorf("bad delay spec %q", s)
	}
	d := time.Duration(fixed) * time.Millisecond
	return Spec{Mode: ModeRange, Min: d, Max: d}, nil
}

// Delay computes one delay sample. avg is the endpoint's current moving
// average, used only in ModeAvg.
func (s Spec) Delay(avg time.Duration) time.Duration {
	switch s.Mode {
	case ModeRange:
		if s.Max <= s.Min {
			return s.Min
		}
		return s.Min + time.Duration(rand.Int63n(int64(s.Max-s.Min)))
	case ModeAvg:
		return avg
	default:
		return 0
	}
}

// Strategy names a fan-out execution strategy.
type Strategy string

const (
	StrategyAuto       Strategy = "Auto"
	StrategySequential Strategy = "Sequential"
	StrategyParallel   Strategy = "Parallel"
	StrategyStreaming  Strategy = "Streaming"
)

// ParseStrategy parses a strategy name case-insensitively, defaulting to
// Auto for the empty string.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "sequential":
		return StrategySequential, nil
	case "parallel":
		return StrategyParallel, nil
	case "streaming":
		return StrategyStreaming, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Pick resolves Auto against the fan-out count: single calls run
// sequentially, small fans run parallel, large fans stream.
func Pick(s Strategy, n int) Strategy {
	if s != StrategyAuto {
		return s
	}
	switch {
	case n <= 1:
		return StrategySequential
	case n <= 5:
		return StrategyParallel
	default:
		return StrategyStreaming
	}
}
