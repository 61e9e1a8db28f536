package ws

import (
	"sync"
	"testing"
	"time"
)

func TestConnectionTouchUpdatesActivity(t *testing.T) {
	var c Connection

	before := time.Now()
	c.Touch()
	after := time.Now()

	got := c.LastActive()
	if got.Before(before) || got.After(after) {
		t.Errorf("LastActive = %v, want within [%v, %v]", got, before, after)
	}
}

func TestConnectionActivityIsConcurrencySafe(t *testing.T) {
	var c Connection
	c.Touch()

	// Read workers stamp activity while the heartbeat reads it; both sides
	// run here under the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Touch()
				_ = c.LastActive()
			}
		}()
	}
	wg.Wait()

	if idle := time.Since(c.LastActive()); idle > time.Second {
		t.Errorf("last activity %s ago, want recent", idle)
	}
}
