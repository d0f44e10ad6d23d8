package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/debounce"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/push"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/store"
)

type reconcileMode int

const (
	reconcileNone reconcileMode = iota
	reconcileNormal
	reconcileForced
)

type conversation struct {
	m         *Manager
	userID    string
	partnerID string
	date      string
	key       realtime.Key
	log       *zap.Logger

	queue  *eventQueue
	ctx    context.Context
	cancel context.CancelFunc

	reconnectTimer *debounce.Debouncer
	resumeTimer    *debounce.Debouncer
	refreshTimer   *debounce.Debouncer
	markReadTimer  *debounce.Debouncer

	// Guarded by mu.
	mu             sync.Mutex
	closed         bool
	messages       *MessageLog
	pendingRead    map[string]struct{}
	state          ConnectionState
	channel        realtime.Channel
	joinGen        uint64
	attempts       int
	terminal       bool
	lastErr        error
	partnerOpen    bool
	viewOpen       bool
	resumeViewOpen bool
	backgrounded   bool
	backgroundedAt time.Time
	invalid        bool
	matchStatus    string
	lastRefresh    time.Time
	reconcile      reconcileMode
	waiters        []chan struct{}
}

func newConversation(m *Manager, partnerID, date string, backgrounded bool) *conversation {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conversation{
		m:            m,
		userID:       m.userID,
		partnerID:    partnerID,
		date:         date,
		key:          realtime.NewKey(realtime.PurposeChat, date, m.userID, partnerID),
		log:          m.log.With(zap.String("partner_id", partnerID), zap.String("match_date", date)),
		queue:        newEventQueue(),
		ctx:          ctx,
		cancel:       cancel,
		messages:     NewMessageLog(),
		pendingRead:  make(map[string]struct{}),
		viewOpen:     !backgrounded,
		backgrounded: backgrounded,
		reconcile:    reconcileNormal,
	}
	if backgrounded {
		c.resumeViewOpen = true
		c.backgroundedAt = m.clk.Now()
	}

	cfg := m.config
	c.reconnectTimer = debounce.New(m.clk, cfg.ReconnectBaseDelay, func() { c.queue.push(reconnectDue{}) })
	c.resumeTimer = debounce.New(m.clk, cfg.ForegroundDebounce, func() { c.queue.push(connectRequested{}) })
	c.refreshTimer = debounce.New(m.clk, cfg.ReadRefreshDelay, func() { c.queue.push(refreshDue{}) })
	c.markReadTimer = debounce.New(m.clk, cfg.MarkReadDelay, func() { c.queue.push(markReadDue{}) })
	return c
}

func (c *conversation) handle(e Event) {
	switch e := e.(type) {
	case MessageInserted:
		c.onMessage(e.Message)
	case ReadReceiptReported:
		c.onReadReceipt(e)
	case PresenceChanged:
		c.onPresence(e)
	case ConnectionStateChanged:
		c.onStatus(e)
	case connectRequested:
		c.connect(e.reconnect)
	case reconnectDue:
		c.connect(true)
	case refreshDue:
		c.refresh(false)
	case markReadDue:
		c.flushReads()
	case barrier:
		close(e.done)
	}
}

func (c *conversation) spec() realtime.Spec {
	return realtime.Spec{
		Changes: []realtime.ChangeFilter{{
			Table:     store.TableChatMessages,
			Event:     realtime.EventInsert,
			Partition: c.date,
		}},
		Broadcasts: []string{realtime.BroadcastMessagesRead, realtime.BroadcastChatStatus},
	}
}

func (c *conversation) handlers(gen uint64) realtime.Handlers {
	return realtime.Handlers{
		OnChange: func(ch realtime.Change) {
			if e, ok := decodeChange(ch); ok {
				c.queue.push(e)
			}
		},
		OnBroadcast: func(name string, payload json.RawMessage) {
			if e, ok := decodeBroadcast(name, payload); ok {
				c.queue.push(e)
			}
		},
		OnStatus: func(s realtime.Status, err error) {
			c.queue.push(ConnectionStateChanged{Gen: gen, Status: s, Err: err})
		},
	}
}

// connect joins the channel. It runs on the queue goroutine.
func (c *conversation) connect(reconnect bool) {
	c.mu.Lock()
	if c.closed || c.backgrounded || c.terminal || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer.Stop()
	if reconnect {
		c.state = Reconnecting
	} else {
		c.state = Connecting
	}
	c.joinGen++
	gen := c.joinGen
	c.mu.Unlock()
	c.m.emit()

	ctx, cancel := context.WithTimeout(c.ctx, c.m.config.JoinTimeout)
	ch, err := c.m.joiner.Join(ctx, c.key, c.spec(), c.handlers(gen))
	cancel()

	c.mu.Lock()
	if c.closed || gen != c.joinGen {
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Leave()
		}
		return
	}
	if errors.Is(err, realtime.ErrChannelExists) {
		// A torn-down conversation's join still holds the key; it leaves as
		// soon as that join returns. Retry without spending an attempt.
		c.state = Disconnected
		c.reconnectTimer.TriggerAfter(c.m.config.ReconnectBaseDelay)
		c.mu.Unlock()
		c.log.Debug("channel key still held", zap.Error(err))
		c.m.emit()
		return
	}
	if err != nil {
		c.failLocked(err)
		c.mu.Unlock()
		c.log.Warn("join failed", zap.Error(err))
		c.m.emit()
		return
	}

	c.channel = ch
	c.state = Connected
	c.attempts = 0
	c.lastErr = nil
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
	viewOpen := c.viewOpen
	mode := c.reconcile
	c.reconcile = reconcileNone
	if viewOpen {
		for _, id := range c.messages.Unread(c.userID) {
			c.pendingRead[id] = struct{}{}
		}
	}
	pending := viewOpen && len(c.pendingRead) > 0
	c.mu.Unlock()

	c.log.Debug("channel connected", zap.Bool("reconnect", reconnect))
	c.broadcastPresence(ch, viewOpen)
	switch mode {
	case reconcileForced:
		c.refresh(true)
	case reconcileNormal:
		c.refresh(false)
	}
	if pending {
		c.markReadTimer.Trigger()
	}
	c.m.emit()
}

// failLocked records a channel failure and schedules the next attempt
// unless the budget is spent. The caller holds mu, must Leave the returned
// channel after unlocking, and must emit.
func (c *conversation) failLocked(err error) realtime.Channel {
	old := c.channel
	c.channel = nil
	c.state = Disconnected
	c.joinGen++
	// Rows stored while the channel was down are only picked up by a
	// re-query once it is back.
	if c.reconcile == reconcileNone {
		c.reconcile = reconcileNormal
	}

	if c.backgrounded {
		return old
	}
	if c.attempts >= c.m.config.MaxReconnectAttempts {
		c.terminal = true
		c.lastErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
		return old
	}
	c.attempts++
	c.lastErr = fmt.Errorf("%w: %v", ErrChannel, err)
	c.reconnectTimer.TriggerAfter(time.Duration(c.attempts) * c.m.config.ReconnectBaseDelay)
	metrics.ReconnectAttempts.WithLabelValues("scheduled").Inc()
	return old
}

func (c *conversation) onStatus(e ConnectionStateChanged) {
	if e.Status == realtime.StatusSubscribed {
		return
	}
	c.mu.Lock()
	if c.closed || e.Gen != c.joinGen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	err := e.Err
	if err == nil {
		err = errors.New(e.Status.String())
	}
	old := c.failLocked(err)
	c.mu.Unlock()

	if old != nil {
		_ = old.Leave()
	}
	c.log.Warn("channel lost", zap.Stringer("status", e.Status), zap.Error(err))
	c.m.emit()
}

func (c *conversation) onMessage(row store.ChatMessage) {
	if row.MatchDate != c.date || row.IsDeleted || !c.between(row) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.messages.Upsert(fromRow(row, false)) {
		c.mu.Unlock()
		if row.SenderID != c.userID {
			metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		}
		return
	}
	schedule := false
	if row.ReceiverID == c.userID {
		c.pendingRead[row.ID] = struct{}{}
		schedule = c.viewOpen && !c.backgrounded
	}
	c.mu.Unlock()

	if row.ReceiverID == c.userID {
		metrics.MessagesTotal.WithLabelValues("received").Inc()
	}
	if schedule {
		c.markReadTimer.Trigger()
	}
	c.m.emit()
}

func (c *conversation) between(row store.ChatMessage) bool {
	return (row.SenderID == c.userID && row.ReceiverID == c.partnerID) ||
		(row.SenderID == c.partnerID && row.ReceiverID == c.userID)
}

func (c *conversation) onReadReceipt(e ReadReceiptReported) {
	if e.UserID != c.partnerID {
		return
	}
	c.mu.Lock()
	changed := c.messages.MarkRead(e.MessageIDs, c.partnerID)
	c.mu.Unlock()
	if len(changed) > 0 {
		c.m.emit()
	}
}

func (c *conversation) onPresence(e PresenceChanged) {
	if e.UserID != c.partnerID {
		return
	}
	c.mu.Lock()
	changed := c.partnerOpen != e.IsOpen
	c.partnerOpen = e.IsOpen
	ch := c.channel
	viewOpen := c.viewOpen
	c.mu.Unlock()
	if !changed {
		return
	}
	// A partner who just arrived missed our earlier announcement.
	if e.IsOpen && ch != nil {
		c.broadcastPresence(ch, viewOpen)
	}
	c.m.emit()
}

// load runs the initial history query.
func (c *conversation) load(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.m.config.OpTimeout)
	defer cancel()

	rows, err := c.m.store.ConversationMessages(ctx, c.userID, c.partnerID, c.date)
	c.mu.Lock()
	c.lastRefresh = c.m.clk.Now()
	if err != nil {
		c.lastErr = fmt.Errorf("chat: load history: %w", err)
		c.mu.Unlock()
		c.log.Warn("load history", zap.Error(err))
		return
	}
	c.mergeLocked(rows)
	var unread []string
	if c.viewOpen {
		unread = c.messages.Unread(c.userID)
	}
	c.mu.Unlock()

	if len(unread) > 0 {
		if err := c.markRead(ctx, unread, true); err != nil {
			c.log.Warn("mark history read", zap.Error(err))
		}
	}
}

// refresh re-reads the conversation to pick up missed messages and read
// flags. Unforced refreshes are spaced at least ReadRefreshMinInterval
// apart; a refresh requested too early is deferred instead.
func (c *conversation) refresh(force bool) {
	c.mu.Lock()
	if c.closed || c.backgrounded {
		c.mu.Unlock()
		return
	}
	now := c.m.clk.Now()
	if since := now.Sub(c.lastRefresh); !force && since < c.m.config.ReadRefreshMinInterval {
		c.mu.Unlock()
		c.refreshTimer.TriggerAfter(c.m.config.ReadRefreshMinInterval - since)
		return
	}
	c.lastRefresh = now
	c.mu.Unlock()
	c.refreshTimer.Stop()

	ctx, cancel := context.WithTimeout(c.ctx, c.m.config.OpTimeout)
	defer cancel()
	rows, err := c.m.store.ConversationMessages(ctx, c.userID, c.partnerID, c.date)
	if err != nil {
		c.log.Warn("refresh conversation", zap.Bool("forced", force), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mergeLocked(rows)
	var unread []string
	if c.viewOpen {
		unread = c.messages.Unread(c.userID)
	}
	c.mu.Unlock()

	if len(unread) > 0 {
		if err := c.markRead(ctx, unread, true); err != nil {
			c.log.Warn("mark refreshed messages read", zap.Error(err))
		}
	}
	c.m.emit()
}

func (c *conversation) mergeLocked(rows []store.MessageWithReceipt) {
	for _, r := range rows {
		c.messages.Upsert(fromRow(r.ChatMessage, r.IsRead))
	}
}

func (c *conversation) flushReads() {
	c.mu.Lock()
	if c.closed || c.backgrounded || !c.viewOpen || len(c.pendingRead) == 0 {
		c.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(c.pendingRead))
	for id := range c.pendingRead {
		ids = append(ids, id)
	}
	c.pendingRead = make(map[string]struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.m.config.OpTimeout)
	defer cancel()
	if err := c.markRead(ctx, ids, false); err != nil {
		c.log.Warn("mark read", zap.Error(err))
	}
}

// markRead applies read flags locally, persists receipts and tells the
// partner. Failed ids go back to the pending set for the next pass.
func (c *conversation) markRead(ctx context.Context, ids []string, onlyUnread bool) error {
	c.mu.Lock()
	var known []string
	for _, id := range ids {
		m, ok := c.messages.Get(id)
		if !ok || m.ReceiverID != c.userID || (onlyUnread && m.IsRead) {
			continue
		}
		known = append(known, id)
	}
	c.messages.MarkRead(known, c.userID)
	for _, id := range known {
		delete(c.pendingRead, id)
	}
	c.mu.Unlock()
	if len(known) == 0 {
		return nil
	}

	now := c.m.clk.Now().UTC()
	if err := c.m.store.InsertReadReceipts(ctx, c.userID, known, now); err != nil {
		c.mu.Lock()
		for _, id := range known {
			c.pendingRead[id] = struct{}{}
		}
		c.mu.Unlock()
		return fmt.Errorf("chat: mark read: %w", err)
	}
	metrics.ReadReceiptsTotal.Add(float64(len(known)))

	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch != nil {
		receipt := ReadReceiptReported{UserID: c.userID, MessageIDs: known, Timestamp: now}
		if err := ch.Broadcast(ctx, realtime.BroadcastMessagesRead, receipt); err != nil {
			c.log.Debug("broadcast read receipt", zap.Error(err))
		}
	}
	c.m.emit()
	return nil
}

func (c *conversation) send(ctx context.Context, text string) (*Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}
	if c.invalid {
		status := c.matchStatus
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationInvalid, status)
	}
	disconnected := c.state != Connected
	c.mu.Unlock()

	if disconnected {
		c.waitConnected(ctx)
	}

	row := store.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   c.userID,
		ReceiverID: c.partnerID,
		Text:       text,
		SentAt:     c.m.clk.Now().UTC().Truncate(time.Microsecond),
		MatchDate:  c.date,
	}
	opCtx, cancel := context.WithTimeout(ctx, c.m.config.OpTimeout)
	defer cancel()
	if err := c.m.store.InsertMessage(opCtx, &row); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("chat: send: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	msg := fromRow(row, false)
	c.mu.Lock()
	if !c.closed {
		c.messages.Upsert(msg)
	}
	suppress := c.state == Connected && c.partnerOpen
	c.mu.Unlock()

	c.notifyPartner(msg, suppress)
	c.refreshTimer.Trigger()
	c.m.emit()
	return &msg, nil
}

// waitConnected kicks a reconnect when the channel is down and waits
// briefly for it. The send goes ahead either way.
func (c *conversation) waitConnected(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.state == Connected {
		c.mu.Unlock()
		return
	}
	kick := c.state == Disconnected && !c.terminal && !c.backgrounded
	if c.state == Disconnected && !kick {
		c.mu.Unlock()
		return
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	if kick {
		c.queue.push(connectRequested{reconnect: true})
	}

	expired := make(chan struct{})
	t := c.m.clk.AfterFunc(c.m.config.SendReconnectWait, func() { close(expired) })
	defer t.Stop()

	select {
	case <-w:
	case <-expired:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
}

func (c *conversation) notifyPartner(msg Message, suppress bool) {
	if suppress {
		metrics.PushNotifications.WithLabelValues("suppressed").Inc()
		return
	}
	if c.m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.m.config.OpTimeout)
		defer cancel()

		var name string
		if c.m.names != nil {
			if card, err := c.m.names.Get(ctx, c.userID); err == nil {
				name = card.DisplayName
			}
		}
		n := push.Notification{
			ReceiverID: msg.ReceiverID,
			Message:    msg.Text,
			SenderID:   msg.SenderID,
			SenderName: name,
		}
		if err := c.m.notifier.Notify(ctx, n); err != nil {
			metrics.PushNotifications.WithLabelValues("failed").Inc()
			c.log.Warn("push notification", zap.Error(err))
			return
		}
		metrics.PushNotifications.WithLabelValues("sent").Inc()
	}()
}

func (c *conversation) broadcastPresence(ch realtime.Channel, open bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.m.config.OpTimeout)
	defer cancel()
	p := PresenceChanged{UserID: c.userID, IsOpen: open, Timestamp: c.m.clk.Now().UTC()}
	if err := ch.Broadcast(ctx, realtime.BroadcastChatStatus, p); err != nil {
		c.log.Debug("broadcast presence", zap.Bool("open", open), zap.Error(err))
	}
}

func (c *conversation) setViewOpen(open bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.backgrounded {
		c.resumeViewOpen = open
		c.mu.Unlock()
		return
	}
	changed := c.viewOpen != open
	c.viewOpen = open
	ch := c.channel
	if open {
		for _, id := range c.messages.Unread(c.userID) {
			c.pendingRead[id] = struct{}{}
		}
	}
	pending := open && len(c.pendingRead) > 0
	c.mu.Unlock()

	if !changed {
		return
	}
	if ch != nil {
		c.broadcastPresence(ch, open)
	}
	if pending {
		c.markReadTimer.Trigger()
	}
	c.m.emit()
}

func (c *conversation) background() {
	c.mu.Lock()
	if c.closed || c.backgrounded {
		c.mu.Unlock()
		return
	}
	c.backgrounded = true
	c.backgroundedAt = c.m.clk.Now()
	c.resumeViewOpen = c.viewOpen
	c.viewOpen = false
	c.state = Disconnected
	c.joinGen++
	ch := c.channel
	c.channel = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	if ch != nil {
		c.broadcastPresence(ch, false)
		_ = ch.Leave()
	}
	c.log.Debug("backgrounded")
	c.m.emit()
}

func (c *conversation) foreground() {
	c.mu.Lock()
	if c.closed || !c.backgrounded {
		c.mu.Unlock()
		return
	}
	away := c.m.clk.Now().Sub(c.backgroundedAt)
	c.backgrounded = false
	c.attempts = 0
	c.terminal = false
	c.lastErr = nil
	c.viewOpen = c.resumeViewOpen
	c.reconcile = reconcileForced
	c.mu.Unlock()

	c.log.Debug("foregrounded", zap.Duration("away", away))
	c.resumeTimer.Trigger()
	c.m.emit()
}

func (c *conversation) setMatchStatus(status string, invalidate bool) {
	c.mu.Lock()
	c.matchStatus = status
	c.invalid = invalidate
	c.mu.Unlock()
	c.m.emit()
}

// teardown closes the conversation for good. Pending events and timers are
// dropped; closed presence goes out before the channel is released.
func (c *conversation) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.joinGen++
	ch := c.channel
	c.channel = nil
	c.state = Disconnected
	c.stopTimersLocked()
	c.mu.Unlock()

	c.queue.close()
	if ch != nil {
		c.broadcastPresence(ch, false)
		if err := ch.Leave(); err != nil {
			c.log.Warn("leave channel", zap.Error(err))
		}
	}
	c.cancel()
	metrics.ActiveChats.Dec()
}

func (c *conversation) stopTimersLocked() {
	c.reconnectTimer.Stop()
	c.resumeTimer.Stop()
	c.refreshTimer.Stop()
	c.markReadTimer.Stop()
}

func (c *conversation) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		PartnerID:    c.partnerID,
		MatchDate:    c.date,
		Open:         !c.closed,
		Messages:     c.messages.Messages(),
		State:        c.state,
		Err:          c.lastErr,
		Terminal:     c.terminal,
		MatchStatus:  c.matchStatus,
		Invalid:      c.invalid,
		PartnerOpen:  c.partnerOpen,
		ViewOpen:     c.viewOpen,
		Backgrounded: c.backgrounded,
	}
}
