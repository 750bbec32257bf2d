package fetcher

import (
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// breakerSet holds one circuit breaker per registry host. A host that fails
// repeatedly stops receiving fetch attempts until its backoff window opens
// again, so a dead upstream fails fast instead of stalling every worker.
type breakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*circuit.Breaker)}
}

// get returns or creates the breaker for the given source location's host.
func (bs *breakerSet) get(sourceURL string) *circuit.Breaker {
	host := extractHost(sourceURL)

	bs.mu.RLock()
	b, ok := bs.breakers[host]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.breakers[host]; ok {
		return b
	}

	// Trips after 5 consecutive failures, reopening on exponential backoff.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 30 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    bo,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	bs.breakers[host] = b
	return b
}

func extractHost(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	if len(rawURL) > 50 {
		return rawURL[:50]
	}
	return rawURL
}
