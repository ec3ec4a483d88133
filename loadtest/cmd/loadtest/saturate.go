package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/directchat/loadtest/client"
	"github.com/whisper/directchat/loadtest/stats"
)

// runSaturate opens N sessions over the ramp period and holds them while they
// answer heartbeat pings. Every registration re-broadcasts the online list to
// all sessions, so the ramp also measures presence fan-out cost; the hold
// phase shows whether the heartbeat drops healthy sessions under load.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:4040/ws", "WebSocket server URL")
	secret := fs.String("secret", "", "JWT secret shared with the server (empty: anonymous sessions)")
	cookie := fs.String("cookie", "token", "Name of the identity cookie")
	connections := fs.Int("connections", 1000, "Number of sessions to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after the ramp")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (empty: no scraping)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d sessions to %s (ramp=%s, hold=%s, concurrency=%d, authenticated=%t)\n",
		*connections, *url, *rampUp, *hold, *concurrency, *secret != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	var (
		mu      sync.Mutex
		clients []*client.Client
	)
	aliveCount := func() (alive, total int) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range clients {
			if c.Alive() {
				alive++
			}
		}
		return alive, len(clients)
	}

	fmt.Println("\n--- Ramp-up ---")
	progressDone := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-t.C:
				fmt.Printf("  [ramp] sessions: %d/%d  errors: %d\n",
					collector.ConnectionCount(), *connections, collector.ErrorCount())
			}
		}
	}()

	start := time.Now()
	completed := ramp(ctx, *connections, *rampUp, *concurrency, func(i int) {
		c, err := dialUser(ctx, collector, *url, *cookie, *secret, fmt.Sprintf("load-%d", i))
		if err != nil {
			return
		}
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	close(progressDone)

	fmt.Printf("\nRamp-up done: %d/%d sessions in %s (%d errors)\n",
		collector.ConnectionCount(), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if completed {
		fmt.Printf("\n--- Hold (%s) ---\n", *hold)
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-status.C:
				alive, total := aliveCount()
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}
		holdTimer.Stop()
		status.Stop()
	} else {
		fmt.Println("\nInterrupted during ramp-up, skipping hold.")
	}

	alive, total := aliveCount()
	if dropped := total - alive; dropped > 0 {
		fmt.Printf("\nSessions dropped by the server: %d\n", dropped)
	}

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report()
}
