package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/daymatch/loadtest/client"
	"github.com/whisper/daymatch/loadtest/stats"
)

// runSaturate opens idle connections, ramping up over a configurable window,
// then holds them while counting drops. Every connection also resolves its
// match once, so the gateway runs a full engine per user.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	connections := fs.Int("connections", 1000, "number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous dials during ramp-up")
	prefix := fs.String("user-prefix", "lt-sat", "prefix for generated user ids")
	metricsURL := fs.String("metrics-url", "", "gateway metrics URL to scrape (optional)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *metricsURL != "" {
		scraper = stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, complete := ramp(ctx, rampConfig{
		url:         *url,
		users:       userIDs(*prefix, *connections),
		duration:    *rampUp,
		concurrency: *concurrency,
		label:       "ramp",
	}, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	live := make([]*client.Client, 0, len(clients))
	for _, c := range clients {
		if c != nil {
			live = append(live, c)
			_ = c.ResolveMatch()
		}
	}

	dropped := 0
	if complete {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(live), *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				dropped = countClosed(live)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", len(live)-dropped, len(live), dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = countClosed(live)
	} else {
		fmt.Println("\nInterrupted during ramp-up.")
	}

	rateLimited := 0
	for _, c := range live {
		rateLimited += int(c.GetMetrics().RateLimited)
	}
	collector.AddRateLimited(rateLimited)

	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(live))
	closeAll(live)
	if scraper != nil {
		scraper.Stop()
	}

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

func countClosed(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
