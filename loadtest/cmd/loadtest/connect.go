package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/daymatch/loadtest/client"
	"github.com/whisper/daymatch/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	users       []string
	duration    time.Duration
	concurrency int
	label       string
}

// ramp opens one connection per user, spacing launches evenly over
// cfg.duration with at most cfg.concurrency dials in flight. The returned
// slice is indexed like cfg.users; failed dials leave a nil entry. It
// reports false when ctx was cancelled before every launch.
func ramp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	clients := make([]*client.Client, len(cfg.users))

	interval := cfg.duration / time.Duration(len(cfg.users))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				count := collector.ConnectionCount()
				rate := float64(count-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cfg.label, count, len(cfg.users), collector.ErrorCount(), rate)
				lastCount, lastTime = count, now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	complete := true
launch:
	for i, userID := range cfg.users {
		select {
		case <-ctx.Done():
			complete = false
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, cfg.url, userID)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, complete
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

func userIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%06d", prefix, i)
	}
	return ids
}
