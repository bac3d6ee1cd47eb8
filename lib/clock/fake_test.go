// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(5 * time.Second)
	if got, want := fake.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		wait     time.Duration
		advance  time.Duration
		wantFire bool
	}{
		{"zero fires immediately", 0, 0, true},
		{"negative fires immediately", -time.Second, 0, true},
		{"partial advance", 5 * time.Second, 3 * time.Second, false},
		{"exact deadline", 5 * time.Second, 5 * time.Second, true},
		{"past deadline", 5 * time.Second, time.Minute, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			fake := Fake(epoch)
			channel := fake.After(test.wait)
			fake.Advance(test.advance)
			select {
			case <-channel:
				if !test.wantFire {
					t.Fatal("After fired before its deadline")
				}
			default:
				if test.wantFire {
					t.Fatal("After did not fire")
				}
			}
		})
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	var calls atomic.Int32
	timer := fake.AfterFunc(time.Second, func() { calls.Add(1) })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	fake.Advance(2 * time.Second)
	if calls.Load() != 0 {
		t.Fatalf("stopped AfterFunc ran %d times", calls.Load())
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestFakeAfterFuncRunsOnce(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	var calls atomic.Int32
	fake.AfterFunc(time.Second, func() { calls.Add(1) })
	fake.Advance(time.Second)
	fake.Advance(time.Second)
	if calls.Load() != 1 {
		t.Fatalf("AfterFunc ran %d times, want 1", calls.Load())
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after firing, want 0", fake.PendingCount())
	}
}

func TestFakeTickerRearms(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	ticker := fake.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for i := range 3 {
		fake.Advance(5 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
	if fake.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (ticker stays armed)", fake.PendingCount())
	}
}

func TestFakeWaitForTimersSynchronizesWithSleeper(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)

	woke := make(chan struct{})
	go func() {
		fake.Sleep(time.Minute)
		close(woke)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	select {
	case <-woke:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("sleeper did not wake after Advance")
	}
}
