package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/daymatch/loadtest/client"
	"github.com/whisper/daymatch/loadtest/stats"
)

type pairResult struct {
	connected    bool
	sent         int64
	acked        int64
	delivered    int64
	connectDelay time.Duration
}

type counters struct {
	sent, acked, delivered, active, completed, errors atomic.Int64
}

// runChat pairs users 2i and 2i+1: both open the conversation with each
// other, wait for the channel, then exchange messages until the chat
// duration ends and close.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	pairs := fs.Int("pairs", 100, "number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "how long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "message size in bytes")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous dials during ramp-up")
	connectTimeout := fs.Duration("connect-timeout", 15*time.Second, "timeout waiting for both channels to connect")
	matchDate := fs.String("date", time.Now().Format("2006-01-02"), "match date both users open")
	prefix := fs.String("user-prefix", "lt-chat", "prefix for generated user ids")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "gateway metrics URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (date=%s, ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *matchDate, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	fmt.Println("\n--- Phase 1: Connect all users ---")
	rampStart := time.Now()
	clients, complete := ramp(ctx, rampConfig{
		url:         *url,
		users:       userIDs(*prefix, totalClients),
		duration:    *rampUp,
		concurrency: *concurrency,
		label:       "connect",
	}, collector)
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())
	defer closeAll(clients)

	if !complete {
		fmt.Println("Interrupted; skipping chat phase.")
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", *pairs)

	payload := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]
	results := make([]pairResult, *pairs)
	var c counters

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  acked: %d  delivered: %d  errors: %d\n",
					c.active.Load(), c.completed.Load(), *pairs,
					c.sent.Load(), c.acked.Load(), c.delivered.Load(), c.errors.Load())
			case <-progressStop:
				return
			}
		}
	}()

	chatStart := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		a, b := clients[2*i], clients[2*i+1]
		if a == nil || b == nil {
			c.completed.Add(1)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.completed.Add(1)
			runPair(ctx, a, b, pairConfig{
				date:           *matchDate,
				duration:       *chatDuration,
				interval:       *msgInterval,
				connectTimeout: *connectTimeout,
				payload:        payload,
			}, collector, &results[i], &c)
		}()
	}
	wg.Wait()
	close(progressStop)
	chatElapsed := time.Since(chatStart)

	connected := 0
	var sent, acked, delivered int64
	var connectDelay time.Duration
	for _, r := range results {
		if r.connected {
			connected++
			connectDelay += r.connectDelay
		}
		sent += r.sent
		acked += r.acked
		delivered += r.delivered
	}
	rateLimited := 0
	for _, cl := range clients {
		if cl != nil {
			rateLimited += int(cl.GetMetrics().RateLimited)
		}
	}
	collector.AddRateLimited(rateLimited)
	scraper.Stop()

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs connected:   %d / %d\n", connected, *pairs)
	fmt.Printf("Messages sent:     %d\n", sent)
	fmt.Printf("Messages acked:    %d\n", acked)
	fmt.Printf("Messages delivered: %d\n", delivered)
	fmt.Printf("Chat phase:        %s\n", chatElapsed.Round(time.Millisecond))
	if connected > 0 {
		fmt.Printf("Avg channel setup: %s\n", (connectDelay / time.Duration(connected)).Round(time.Millisecond))
	}
	if chatElapsed > 0 && sent > 0 {
		fmt.Printf("Send throughput:   %.1f msg/s\n", float64(sent)/chatElapsed.Seconds())
	}

	collector.Report()
}

type pairConfig struct {
	date           string
	duration       time.Duration
	interval       time.Duration
	connectTimeout time.Duration
	payload        string
}

// peer tracks one side of a pair.
type peer struct {
	c         *client.Client
	connected chan struct{}
	once      sync.Once

	mu      sync.Mutex
	pending map[string]time.Time // text -> send time, awaiting ack
	inbound map[string]time.Time // text -> send time, awaiting delivery here
}

func newPeer(c *client.Client) *peer {
	return &peer{
		c:         c,
		connected: make(chan struct{}),
		pending:   make(map[string]time.Time),
		inbound:   make(map[string]time.Time),
	}
}

func runPair(ctx context.Context, a, b *client.Client, cfg pairConfig, collector *stats.Collector, result *pairResult, c *counters) {
	pa, pb := newPeer(a), newPeer(b)

	for _, p := range []*peer{pa, pb} {
		p.c.On(client.TypeConnectionState, func(raw json.RawMessage) {
			var msg struct {
				State string `json:"state"`
			}
			if json.Unmarshal(raw, &msg) == nil && msg.State == "connected" {
				p.once.Do(func() { close(p.connected) })
			}
		})
		p.c.On(client.TypeMessageSent, func(raw json.RawMessage) {
			var msg struct {
				Message struct {
					Text string `json:"text"`
				} `json:"message"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			p.mu.Lock()
			at, ok := p.pending[msg.Message.Text]
			delete(p.pending, msg.Message.Text)
			p.mu.Unlock()
			if ok {
				collector.AddSendLatency(time.Since(at))
				c.acked.Add(1)
				atomic.AddInt64(&result.acked, 1)
			}
		})
		p.c.On(client.TypeMessages, func(raw json.RawMessage) {
			var msg struct {
				Messages []struct {
					Text string `json:"text"`
				} `json:"messages"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			p.mu.Lock()
			var arrived []time.Duration
			for _, m := range msg.Messages {
				if at, ok := p.inbound[m.Text]; ok {
					arrived = append(arrived, time.Since(at))
					delete(p.inbound, m.Text)
				}
			}
			p.mu.Unlock()
			for _, d := range arrived {
				collector.AddDelivery(d)
				c.delivered.Add(1)
				atomic.AddInt64(&result.delivered, 1)
			}
		})
	}

	start := time.Now()
	if err := a.OpenChat(b.UserID(), cfg.date); err != nil {
		collector.AddError()
		c.errors.Add(1)
		return
	}
	if err := b.OpenChat(a.UserID(), cfg.date); err != nil {
		collector.AddError()
		c.errors.Add(1)
		return
	}
	_ = a.SetViewOpen(true)
	_ = b.SetViewOpen(true)

	timeout := time.NewTimer(cfg.connectTimeout)
	defer timeout.Stop()
	for _, p := range []*peer{pa, pb} {
		select {
		case <-p.connected:
		case <-timeout.C:
			collector.AddError()
			c.errors.Add(1)
			return
		case <-ctx.Done():
			return
		}
	}
	result.connected = true
	result.connectDelay = time.Since(start)

	c.active.Add(1)
	defer c.active.Add(-1)

	var wg sync.WaitGroup
	for _, pair := range [][2]*peer{{pa, pb}, {pb, pa}} {
		from, to := pair[0], pair[1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			chatLoop(ctx, from, to, cfg, collector, result, c)
		}()
	}
	wg.Wait()

	_ = a.CloseChat()
	_ = b.CloseChat()
}

func chatLoop(ctx context.Context, from, to *peer, cfg pairConfig, collector *stats.Collector, result *pairResult, c *counters) {
	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-from.c.Done():
			return
		case <-ticker.C:
		}

		seq++
		text := fmt.Sprintf("%s#%d %s", from.c.UserID(), seq, cfg.payload)
		now := time.Now()
		from.mu.Lock()
		from.pending[text] = now
		from.mu.Unlock()
		to.mu.Lock()
		to.inbound[text] = now
		to.mu.Unlock()

		if err := from.c.SendText(text); err != nil {
			collector.AddError()
			c.errors.Add(1)
			return
		}
		c.sent.Add(1)
		atomic.AddInt64(&result.sent, 1)
	}
}
