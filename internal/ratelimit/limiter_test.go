package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(window time.Duration, max int) (*Limiter, *time.Time) {
	l := New(window, max, 4)
	now := time.Now().UTC()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 5)
	for i := 0; i < 5; i++ {
		d := l.Allow("1.2.3.4")
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if d.Remaining != 5-i-1 {
			t.Fatalf("request %d remaining = %d, want %d", i, d.Remaining, 5-i-1)
		}
	}
	d := l.Allow("1.2.3.4")
	if d.Allowed {
		t.Fatalf("request over limit allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("denied remaining = %d, want 0", d.Remaining)
	}
	if l.Violations() != 1 {
		t.Fatalf("violations = %d, want 1", l.Violations())
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(time.Minute, 3)
	base := *now
	for i := 0; i < 3; i++ {
		*now = base.Add(time.Duration(i) * 10 * time.Second)
		if !l.Allow("k").Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	*now = base.Add(50 * time.Second)
	if l.Allow("k").Allowed {
		t.Fatalf("fourth request inside window allowed")
	}
	// The first hit at base falls out of the window after a minute.
	*now = base.Add(61 * time.Second)
	d := l.Allow("k")
	if !d.Allowed {
		t.Fatalf("request after oldest hit expired denied")
	}
}

func TestResetAtTracksOldestHit(t *testing.T) {
	l, now := newTestLimiter(time.Minute, 2)
	base := *now
	l.Allow("k")
	*now = base.Add(10 * time.Second)
	l.Allow("k")
	*now = base.Add(20 * time.Second)
	d := l.Allow("k")
	if d.Allowed {
		t.Fatalf("over-limit request allowed")
	}
	want := base.Add(time.Minute)
	if !d.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1)
	if !l.Allow("a").Allowed {
		t.Fatalf("first key denied")
	}
	if !l.Allow("b").Allowed {
		t.Fatalf("second key denied after first exhausted its limit")
	}
	if l.Allow("a").Allowed {
		t.Fatalf("exhausted key allowed")
	}
}

func TestEmptyKeySharesAnonymousBucket(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 2)
	l.Allow("")
	l.Allow("")
	if l.Allow("").Allowed {
		t.Fatalf("anonymous bucket not shared across empty keys")
	}
	if l.Allow(anonymousKey).Allowed {
		t.Fatalf("explicit anonymous key uses a different bucket")
	}
}

func TestAllowWithinOverrides(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 100)
	for i := 0; i < 2; i++ {
		if !l.AllowWithin("k", time.Second, 2).Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if l.AllowWithin("k", time.Second, 2).Allowed {
		t.Fatalf("request over explicit limit allowed")
	}
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	l, now := newTestLimiter(time.Minute, 5)
	base := *now
	l.Allow("idle")
	*now = base.Add(3 * time.Minute)
	l.Allow("active")

	evicted := l.Sweep(*now)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	// Evicted key starts over with a fresh bucket.
	for i := 0; i < 5; i++ {
		if !l.Allow("idle").Allowed {
			t.Fatalf("request %d on fresh bucket denied", i)
		}
	}
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	const max = 50
	l := New(time.Minute, max, 8)
	var wg sync.WaitGroup
	var allowed int64
	var mu sync.Mutex
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if l.Allow("shared").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if allowed != max {
		t.Fatalf("allowed = %d, want exactly %d", allowed, max)
	}
	if l.Violations() != 200-max {
		t.Fatalf("violations = %d, want %d", l.Violations(), 200-max)
	}
}

func TestPruneCompaction(t *testing.T) {
	l, now := newTestLimiter(time.Second, 1000)
	base := *now
	for i := 0; i < 200; i++ {
		*now = base.Add(time.Duration(i) * 10 * time.Millisecond)
		l.Allow("k")
	}
	// All early hits expire; the bucket must still count correctly.
	*now = base.Add(10 * time.Second)
	d := l.Allow("k")
	if !d.Allowed {
		t.Fatalf("request after full expiry denied")
	}
	if d.Remaining != 999 {
		t.Fatalf("remaining = %d, want 999", d.Remaining)
	}
}

func BenchmarkAllow(b *testing.B) {
	l := New(time.Minute, 1000000, 16)
	keys := make([]string, 64)
	for i := range keys {
		keys[i] = fmt.Sprintf("10.0.0.%d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(keys[i%len(keys)])
	}
}
