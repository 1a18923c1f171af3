package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reset() {
	rl = rateLimitStats{}
	chat = chatStats{}
}

func TestIncRateLimitDrop(t *testing.T) {
	reset()
	IncRateLimitDrop("")
	IncRateLimitDrop("/api/v1/sessions")
	IncRateLimitDrop("/api/v1/sessions")

	total, by := RateLimitSnapshot()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(1), by["global"])
	assert.Equal(t, uint64(2), by["/api/v1/sessions"])
}

func TestCounters_Concurrent(t *testing.T) {
	reset()
	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			IncMessagesSent()
			IncClaimConflict()
			AddBroadcast(2, 1)
			ConnectionOpened()
			ConnectionClosed()
		}()
	}
	wg.Wait()

	s := Take()
	assert.Equal(t, uint64(goroutines), s.MessagesSent)
	assert.Equal(t, uint64(goroutines), s.ClaimConflicts)
	assert.Equal(t, uint64(2*goroutines), s.BroadcastEvents)
	assert.Equal(t, uint64(goroutines), s.BroadcastDrops)
	assert.Equal(t, int64(0), s.ConnectionsOpen)
	assert.Equal(t, uint64(goroutines), s.ConnectionsTotal)
}
