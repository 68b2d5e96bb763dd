package ratelimit

import (
	"testing"
	"time"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in        string
		count     int
		window    time.Duration
		expectErr bool
	}{
		{"100/minute", 100, time.Minute, false},
		{"3/minute", 3, time.Minute, false},
		{"5/second", 5, time.Second, false},
		{"2/hour", 2, time.Hour, false},
		{"garbage", 0, 0, true},
		{"0/minute", 0, 0, true},
	}
	for _, c := range cases {
		count, window, err := ParseRate(c.in)
		if c.expectErr {
			if err == nil {
				t.Errorf("%q: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c.in, err)
			continue
		}
		if count != c.count || window != c.window {
			t.Errorf("%q: got (%d, %s), want (%d, %s)", c.in, count, window, c.count, c.window)
		}
	}
}

func TestLimiter_AllowsUpToCapacityThenDenies(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("key-a")
		if !ok {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}

	ok, retryAfter := l.Allow("key-a")
	if ok {
		t.Fatal("4th call: expected denied")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter out of range: %s", retryAfter)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	if ok, _ := l.Allow("key-a"); !ok {
		t.Fatal("key-a: expected allowed")
	}
	if ok, _ := l.Allow("key-b"); !ok {
		t.Fatal("key-b: expected allowed (independent bucket)")
	}
	if ok, _ := l.Allow("key-a"); ok {
		t.Fatal("key-a: expected denied on 2nd call")
	}
}

func TestLimiter_RefillsAfterWindow(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	defer l.Close()

	if ok, _ := l.Allow("key-a"); !ok {
		t.Fatal("expected allowed")
	}
	if ok, _ := l.Allow("key-a"); ok {
		t.Fatal("expected denied before window elapses")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := l.Allow("key-a"); !ok {
		t.Fatal("expected allowed once the window refills")
	}
}
