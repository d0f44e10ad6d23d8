package stats

import (
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	p, ok := Summarize(samples)
	if !ok {
		t.Fatal("expected a summary")
	}
	if p.N != 100 {
		t.Fatalf("expected n=100, got %d", p.N)
	}
	if p.P50 != 51*time.Millisecond {
		t.Fatalf("expected p50=51ms, got %v", p.P50)
	}
	if p.P95 != 95*time.Millisecond {
		t.Fatalf("expected p95=95ms, got %v", p.P95)
	}
	if p.P99 != 99*time.Millisecond {
		t.Fatalf("expected p99=99ms, got %v", p.P99)
	}
	if p.Max != 100*time.Millisecond {
		t.Fatalf("expected max=100ms, got %v", p.Max)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Fatalf("expected avg=50.5ms, got %v", p.Avg)
	}
	if samples[0] != 100*time.Millisecond {
		t.Fatal("input sample was reordered")
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if _, ok := Summarize(nil); ok {
		t.Fatal("expected no summary for an empty sample")
	}
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.AddError()

	if got := c.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if got := c.ErrorCount(); got != 1 {
		t.Fatalf("expected 1 error, got %d", got)
	}
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"daymatch_active_chats 3", "daymatch_active_chats", 3, true},
		{`daymatch_messages_total{type="sent"} 12`, "daymatch_messages_total", 12, true},
		{`daymatch_messages_total{type="sent"} 12 1700000000000`, "daymatch_messages_total", 12, true},
		{"daymatch_active_chats", "", 0, false},
		{`daymatch_messages_total{type="sent" 12`, "", 0, false},
		{"daymatch_active_chats NaNx", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("parseMetricLine(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestParseSnapshotSumsLabelledCounters(t *testing.T) {
	body := strings.Join([]string{
		"# HELP daymatch_messages_total Chat messages by outcome.",
		"# TYPE daymatch_messages_total counter",
		`daymatch_messages_total{type="sent"} 7`,
		`daymatch_messages_total{type="rejected"} 2`,
		"daymatch_connections_total 40",
		"daymatch_active_chats 11",
		`daymatch_rate_limited_total{action="send_message"} 5`,
		"go_goroutines 99",
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.messages != 9 {
		t.Fatalf("expected 9 messages, got %v", snap.messages)
	}
	if snap.connections != 40 || snap.activeChats != 11 || snap.rateLimited != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
