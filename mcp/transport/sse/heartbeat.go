package sse

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultHeartbeatInterval keeps idle streams open through proxies.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat calls beat every interval until stop is called or beat
// returns an error. stop may be called any number of times; it returns once
// the heartbeat goroutine has exited.
func StartHeartbeat(clock clockwork.Clock, interval time.Duration, beat func(now time.Time) error) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := clock.NewTicker(interval)
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case now := <-ticker.Chan():
				if err := beat(now); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-exited
	}
}
