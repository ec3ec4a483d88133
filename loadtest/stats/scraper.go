package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series names a value tracked across scrapes. Labeled metrics are summed
// over all label sets unless label selects one of them.
type series struct {
	title  string
	metric string
	label  string
}

var trackedSeries = []series{
	{title: "Connections", metric: "directchat_connections_total"},
	{title: "Online Users", metric: "directchat_online_users"},
	{title: "Messages Total", metric: "directchat_messages_total"},
	{title: "Delivered", metric: "directchat_messages_total", label: `outcome="delivered"`},
	{title: "Push Failures", metric: "directchat_push_failures_total"},
	{title: "HB Timeouts", metric: "directchat_heartbeat_timeouts_total"},
	{title: "Broadcasts", metric: "directchat_presence_broadcasts_total"},
}

const (
	persistSum   = "directchat_persist_latency_seconds_sum"
	persistCount = "directchat_persist_latency_seconds_count"
)

type snapshot struct {
	at     time.Time
	values map[string]float64 // keyed by series title, plus the histogram sum/count
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// every snapshot for the final report.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval until ctx is done
// or Stop is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot. Safe to call more
// than once.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		// The server may not be up yet; the next tick retries.
		return
	}
	defer resp.Body.Close()

	snap, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseExposition reads Prometheus text format and extracts the tracked
// series.
func parseExposition(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), values: make(map[string]float64)}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		if name == persistSum || name == persistCount {
			snap.values[name] = value
			continue
		}
		for _, ts := range trackedSeries {
			if ts.metric != name {
				continue
			}
			if ts.label != "" && !strings.Contains(line, ts.label) {
				continue
			}
			snap.values[ts.title] += value
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// metric name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		end := strings.IndexByte(line[open:], '}')
		if end == -1 {
			return "", 0, false
		}
		name = line[:open]
		rest = line[open+end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak of every tracked series and
// the average persistence latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, ts := range trackedSeries {
		peak := first.values[ts.title]
		for _, sn := range snaps {
			peak = max(peak, sn.values[ts.title])
		}
		a, b := first.values[ts.title], last.values[ts.title]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", ts.title, a, b, b-a, peak)
	}

	fmt.Println()
	count := last.values[persistCount] - first.values[persistCount]
	if count > 0 {
		avg := (last.values[persistSum] - first.values[persistSum]) / count
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Persist Latency", avg, count)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Persist Latency")
	}
}
