package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/directchat/loadtest/client"
	"github.com/whisper/directchat/loadtest/stats"
)

// runChat implements the direct message delivery test. Users are connected
// in pairs; each user then sends timestamped messages to its partner at a
// fixed interval. The receiving side records sender-to-recipient latency,
// which covers validation, persistence and the push.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:4040/ws", "WebSocket server URL")
	secret := fs.String("secret", "", "JWT secret shared with the server (required)")
	cookie := fs.String("cookie", "token", "Name of the identity cookie")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message text in characters")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:4040/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "chat: -secret is required")
		os.Exit(2)
	}

	totalClients := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sent, received atomic.Int64

	// -----------------------------------------------------------------------
	// Phase 1: connect both sides of every pair
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect users ---")

	type pair struct{ a, b *client.Client }
	var (
		mu    sync.Mutex
		ready []pair
		wg    sync.WaitGroup
	)

	connect := func(userID string) (*client.Client, error) {
		c, err := dialUser(ctx, collector, *url, *cookie, *secret, userID)
		if err != nil {
			return nil, err
		}
		c.OnMessage(func(p client.Push) {
			if d, ok := latencyOf(p); ok {
				collector.AddMsgLatency(d)
			}
			received.Add(1)
		})
		return c, nil
	}

	if !ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		a, err := connect(fmt.Sprintf("pair-%d-a", i))
		if err != nil {
			return
		}
		b, err := connect(fmt.Sprintf("pair-%d-b", i))
		if err != nil {
			a.Close()
			return
		}
		mu.Lock()
		ready = append(ready, pair{a, b})
		mu.Unlock()
	}) {
		fmt.Println("\nInterrupted during ramp-up.")
	}

	fmt.Printf("Connected %d/%d pairs (%d errors)\n", len(ready), *pairs, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: exchange messages
	// -----------------------------------------------------------------------
	if ctx.Err() == nil && len(ready) > 0 {
		fmt.Println("\n--- Phase 2: Exchange messages ---")

		chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
		padding := strings.Repeat("x", max(*msgSize-21, 0))

		talk := func(from, to *client.Client) {
			defer wg.Done()
			t := time.NewTicker(*msgInterval)
			defer t.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-t.C:
					text := strconv.FormatInt(time.Now().UnixNano(), 10) + "|" + padding
					if err := from.SendText(to.UserID(), text); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}

		for _, p := range ready {
			wg.Add(2)
			go talk(p.a, p.b)
			go talk(p.b, p.a)
		}

		progress := time.NewTicker(5 * time.Second)
	progressLoop:
		for {
			select {
			case <-chatCtx.Done():
				break progressLoop
			case <-progress.C:
				fmt.Printf("  [chat] sent: %d  received: %d  errors: %d\n",
					sent.Load(), received.Load(), collector.ErrorCount())
			}
		}
		progress.Stop()
		wg.Wait()
		cancel()

		// Let in-flight deliveries land before closing.
		time.Sleep(2 * time.Second)
	}

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, p := range ready {
		p.a.Close()
		p.b.Close()
	}
	scraper.Stop()

	s, r := sent.Load(), received.Load()
	fmt.Printf("\nMessages sent: %d  received: %d", s, r)
	if s > 0 {
		fmt.Printf("  loss: %.2f%%", float64(s-r)/float64(s)*100)
	}
	fmt.Println()
	collector.Report()
}

// latencyOf extracts the send timestamp embedded in a load test message.
func latencyOf(p client.Push) (time.Duration, bool) {
	if p.Text == nil {
		return 0, false
	}
	stamp, _, found := strings.Cut(*p.Text, "|")
	if !found {
		return 0, false
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}
