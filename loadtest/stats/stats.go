// Package stats aggregates load test results from many clients and prints a
// percentile summary, optionally with server metrics scraped during the run.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector is safe for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	sendLatencies    []time.Duration
	deliveries       []time.Duration
	errors           int
	rateLimited      int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a completed handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSendLatency records the time from send_message to its message_sent ack.
func (c *Collector) AddSendLatency(d time.Duration) {
	c.mu.Lock()
	c.sendLatencies = append(c.sendLatencies, d)
	c.mu.Unlock()
}

// AddDelivery records the time from send_message until the partner's
// message list contained it.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRateLimited adds n rate_limited replies.
func (c *Collector) AddRateLimited(n int) {
	c.mu.Lock()
	c.rateLimited += n
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	fmt.Printf("Rate limited: %d\n", c.rateLimited)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, section := range []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Send Ack Latency", c.sendLatencies},
		{"Delivery Latency", c.deliveries},
	} {
		if p, ok := Summarize(section.samples); ok {
			fmt.Printf("\n--- %s ---\n", section.title)
			fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
				p.Avg.Round(time.Microsecond), p.P50.Round(time.Microsecond),
				p.P95.Round(time.Microsecond), p.P99.Round(time.Microsecond),
				p.Max.Round(time.Microsecond), p.N)
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarises a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes percentiles over samples without modifying it. It
// reports false for an empty sample.
func Summarize(samples []time.Duration) (Percentiles, bool) {
	n := len(samples)
	if n == 0 {
		return Percentiles{}, false
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}, true
}
