package pipeline

import "time"

// TimeoutPolicy sizes deadlines of external calls to their payload.
type TimeoutPolicy struct {
	Min            time.Duration
	Max            time.Duration
	BytesPerSecond int64
}

// DefaultTimeoutPolicy assumes a slow 256 KiB/s link.
var DefaultTimeoutPolicy = TimeoutPolicy{
	Min:            30 * time.Second,
	Max:            15 * time.Minute,
	BytesPerSecond: 256 << 10,
}

// Ceiling is the largest deadline the policy hands out.
func (p TimeoutPolicy) Ceiling() time.Duration {
	lo, hi := p.Min, p.Max
	if lo <= 0 {
		lo = DefaultTimeoutPolicy.Min
	}
	if hi < lo {
		hi = max(lo, DefaultTimeoutPolicy.Max)
	}
	return hi
}

// ScaledTimeout returns clamp(Min + bytes/BytesPerSecond, Min, Max). Zero
// or unknown sizes get Min.
func (p TimeoutPolicy) ScaledTimeout(bytes int64) time.Duration {
	lo, hi := p.Min, p.Ceiling()
	if lo <= 0 {
		lo = DefaultTimeoutPolicy.Min
	}
	if bytes <= 0 || p.BytesPerSecond <= 0 {
		return lo
	}
	transfer := time.Duration(float64(bytes) / float64(p.BytesPerSecond) * float64(time.Second))
	return min(hi, max(lo, lo+transfer))
}

// ScaledTimeout applies [DefaultTimeoutPolicy].
func ScaledTimeout(bytes int64) time.Duration {
	return DefaultTimeoutPolicy.ScaledTimeout(bytes)
}
