package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the values of all tracked server metrics at a point in
// time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	activeChats float64
	messages    float64
	receipts    float64
	reconnects  float64
	rateLimited float64
	resolutions float64
	subErrors   float64
}

// Scraper samples the gateway's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot
	failures  int

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScraper creates a scraper of metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start samples once immediately, then every interval until ctx ends or
// Stop is called. A last sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sample()
	go s.run(ctx)
}

func (s *Scraper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.sample()
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// Stop ends sampling and waits for the final sample. Safe to call more
// than once.
func (s *Scraper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Scraper) sample() {
	snap, err := s.fetch()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		return
	}
	s.snapshots = append(s.snapshots, snap)
}

// fetch performs an HTTP GET to the metrics endpoint and parses the response.
func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("stats: scrape %s: %s", s.metricsURL, resp.Status)
	}
	return parseSnapshot(resp.Body, time.Now())
}

// parseSnapshot reads a Prometheus text exposition.
func parseSnapshot(r io.Reader, at time.Time) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: at}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "daymatch_connections_total":
			snap.connections = value
		case "daymatch_active_chats":
			snap.activeChats = value
		// Labelled counters appear once per label set and are summed.
		case "daymatch_messages_total":
			snap.messages += value
		case "daymatch_read_receipts_total":
			snap.receipts += value
		case "daymatch_chat_reconnect_attempts_total":
			snap.reconnects += value
		case "daymatch_rate_limited_total":
			snap.rateLimited += value
		case "daymatch_match_resolutions_total":
			snap.resolutions += value
		case "daymatch_match_subscription_errors_total":
			snap.subErrors += value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// metric name and its value.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name, rest = line[:open], line[open+closing+1:]
	} else {
		var ok bool
		name, rest, ok = strings.Cut(line, " ")
		if !ok {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for each tracked series.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	failures := s.failures
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Printf("\n--- Server Metrics (no data collected, %d failed scrapes) ---\n", failures)
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s (%d failed)\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second), failures)

	gauges := []gauge{
		gaugeOf("Connections", snaps, func(s metricSnapshot) float64 { return s.connections }),
		gaugeOf("Active Chats", snaps, func(s metricSnapshot) float64 { return s.activeChats }),
		gaugeOf("Messages", snaps, func(s metricSnapshot) float64 { return s.messages }),
		gaugeOf("Read Receipts", snaps, func(s metricSnapshot) float64 { return s.receipts }),
		gaugeOf("Reconnects", snaps, func(s metricSnapshot) float64 { return s.reconnects }),
		gaugeOf("Rate Limited", snaps, func(s metricSnapshot) float64 { return s.rateLimited }),
		gaugeOf("Resolutions", snaps, func(s metricSnapshot) float64 { return s.resolutions }),
		gaugeOf("Sub Errors", snaps, func(s metricSnapshot) float64 { return s.subErrors }),
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range gauges {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, g.initial, g.final, g.final-g.initial, g.peak)
	}
}

type gauge struct {
	label   string
	initial float64
	final   float64
	peak    float64
}

func gaugeOf(label string, snaps []metricSnapshot, extract func(metricSnapshot) float64) gauge {
	return gauge{
		label:   label,
		initial: extract(snaps[0]),
		final:   extract(snaps[len(snaps)-1]),
		peak:    peakValue(snaps, extract),
	}
}

// peakValue returns the maximum value of the given extractor across all
// snapshots.
func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
