package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/directchat/loadtest/client"
	"github.com/whisper/directchat/loadtest/stats"
)

// ramp calls connect(i) for i in [0,n), spreading the calls evenly over d
// with at most concurrency in flight. It returns false if ctx ended before
// every call was launched; launched calls are always waited for.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, connect func(i int)) bool {
	interval := d / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			connect(i)
		}(i)
	}
	return true
}

// dialUser opens an authenticated session for userID (anonymous when secret
// is empty) and waits for its first online list. Connect and presence
// latencies are recorded on success, an error on failure.
func dialUser(ctx context.Context, collector *stats.Collector, url, cookie, secret, userID string) (*client.Client, error) {
	token := ""
	if secret != "" {
		var err error
		if token, err = client.Token(secret, userID, userID, time.Hour); err != nil {
			collector.AddError()
			return nil, err
		}
	} else {
		userID = ""
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url, cookie, token, userID)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitForPresence(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, fmt.Errorf("presence: %w", err)
	}

	m := c.GetMetrics()
	collector.AddConnect(m.ConnectLatency)
	collector.AddPresenceLatency(m.PresenceLatency)
	return c, nil
}
