package backoff

import (
	"context"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
	}

	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt no jitter",
			policy:      policy,
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      policy,
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "fifth attempt",
			policy:      policy,
			attempt:     5,
			randomValue: 0.5,
			expected:    1600 * time.Millisecond,
		},
		{
			name: "clamped to max before jitter",
			policy: Policy{
				Initial: 100 * time.Millisecond,
				Max:     500 * time.Millisecond,
				Factor:  2,
			},
			attempt:     10,
			randomValue: 0.9,
			expected:    500 * time.Millisecond,
		},
		{
			name: "jitter at low end halves",
			policy: Policy{
				Initial: 100 * time.Millisecond,
				Max:     10 * time.Second,
				Factor:  2,
				Jitter:  true,
			},
			attempt:     1,
			randomValue: 0.0,
			expected:    50 * time.Millisecond,
		},
		{
			name: "jitter near high end",
			policy: Policy{
				Initial: 100 * time.Millisecond,
				Max:     10 * time.Second,
				Factor:  2,
				Jitter:  true,
			},
			attempt:     1,
			randomValue: 0.999,
			expected:    time.Duration(float64(100*time.Millisecond) * 1.499),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeMonotonicBeforeJitter(t *testing.T) {
	policy := Default()
	policy.Jitter = false

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := ComputeWithRand(policy, attempt, 0)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != policy.Max {
		t.Errorf("schedule should saturate at Max, got %v", prev)
	}
}

func TestJitterBounds(t *testing.T) {
	policy := Default()
	base := ComputeWithRand(Policy{Initial: policy.Initial, Max: policy.Max, Factor: policy.Factor}, 3, 0)

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		d := ComputeWithRand(policy, 3, r)
		if d < base/2 || d >= base+base/2 {
			t.Errorf("jittered delay %v outside [%v, %v)", d, base/2, base+base/2)
		}
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	if err != context.Canceled {
		t.Errorf("SleepWithContext() = %v, want context.Canceled", err)
	}
}

func TestSleepWithContextZeroDuration(t *testing.T) {
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Errorf("SleepWithContext(0) = %v, want nil", err)
	}
}
