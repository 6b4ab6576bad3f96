package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/domain"
)

// Handler receives push-delivered messages. A panic inside a handler is
// isolated: the message stays queued and delivery bookkeeping is unaffected.
type Handler func(msg domain.AgentMessage)

type Config struct {
	QueueCapacity   int
	MessageTTL      time.Duration
	CleanupInterval time.Duration
	HistoryLimit    int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 128
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 4096
	}
	return c
}

type mailbox struct {
	queue   []domain.AgentMessage
	handler Handler
}

// Broker is the in-process point-to-point and broadcast mailbox system.
// Mailboxes are bounded; once a mailbox is full the oldest entry is dropped.
type Broker struct {
	mu      sync.Mutex
	agents  map[string]*mailbox
	subs    map[domain.MessageType]map[string]bool
	history []domain.AgentMessage
	cfg     Config
	logger  *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg Config, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		agents: make(map[string]*mailbox),
		subs:   make(map[domain.MessageType]map[string]bool),
		cfg:    cfg.withDefaults(),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Broker) RegisterAgent(agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok := b.agents[agentID]; ok {
		box.handler = handler
		return
	}
	b.agents[agentID] = &mailbox{
		queue:   make([]domain.AgentMessage, 0, b.cfg.QueueCapacity),
		handler: handler,
	}
}

// UnregisterAgent removes the mailbox and every topic subscription the agent
// holds. Unknown agents are a no-op.
func (b *Broker) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
	for _, members := range b.subs {
		delete(members, agentID)
	}
}

// Send delivers to the recipient mailbox. It reports false, without raising,
// when RecipientID is empty or the recipient is not registered; the global
// history is untouched in that case.
func (b *Broker) Send(msg domain.AgentMessage) bool {
	if msg.RecipientID == "" {
		return false
	}

	b.mu.Lock()
	box, ok := b.agents[msg.RecipientID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	msg = b.sealLocked(msg)
	b.enqueueLocked(box, msg)
	b.recordLocked(msg)
	handler := box.handler
	b.mu.Unlock()

	if handler != nil {
		b.push(handler, msg)
	}
	return true
}

// Broadcast fans the message out to all registered agents, optionally
// skipping the sender. Each recipient gets an independent copy with its own
// id and recipient, so later mutation of one copy cannot leak into another.
// Returns the number of recipients.
func (b *Broker) Broadcast(msg domain.AgentMessage, excludeSender bool) int {
	type delivery struct {
		handler Handler
		msg     domain.AgentMessage
	}

	b.mu.Lock()
	deliveries := make([]delivery, 0, len(b.agents))
	for agentID, box := range b.agents {
		if excludeSender && agentID == msg.SenderID {
			continue
		}
		copied := msg
		copied.ID = uuid.NewString()
		copied.RecipientID = agentID
		copied = b.sealLocked(copied)
		b.enqueueLocked(box, copied)
		b.recordLocked(copied)
		deliveries = append(deliveries, delivery{handler: box.handler, msg: copied})
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		if d.handler != nil {
			b.push(d.handler, d.msg)
		}
	}
	return len(deliveries)
}

// Receive drains up to max queued messages in FIFO order. A missing agent
// yields an empty slice rather than an error.
func (b *Broker) Receive(agentID string, max int) []domain.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.agents[agentID]
	if !ok || len(box.queue) == 0 {
		return nil
	}
	if max <= 0 || max > len(box.queue) {
		max = len(box.queue)
	}
	drained := make([]domain.AgentMessage, max)
	copy(drained, box.queue[:max])
	box.queue = append(box.queue[:0], box.queue[max:]...)
	return drained
}

// Subscribe records interest in a message type. Subscriptions are metadata
// only: delivery does not consult them.
func (b *Broker) Subscribe(agentID string, msgType domain.MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.subs[msgType]
	if !ok {
		members = make(map[string]bool)
		b.subs[msgType] = members
	}
	members[agentID] = true
}

func (b *Broker) Unsubscribe(agentID string, msgType domain.MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.subs[msgType]; ok {
		delete(members, agentID)
	}
}

func (b *Broker) Subscribers(msgType domain.MessageType) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.subs[msgType]
	out := make([]string, 0, len(members))
	for agentID := range members {
		out = append(out, agentID)
	}
	return out
}

func (b *Broker) QueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.agents[agentID]
	if !ok {
		return 0
	}
	return len(box.queue)
}

func (b *Broker) HistorySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// Start launches the background TTL sweep. The sweep runs on a fixed
// interval and never holds the lock across a delivery.
func (b *Broker) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.CleanupExpired(time.Now().UTC())
			}
		}
	}()
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}

// CleanupExpired purges every message whose TTL has passed from the history
// and from all mailboxes, leaving younger messages untouched.
func (b *Broker) CleanupExpired(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	kept := b.history[:0]
	for _, msg := range b.history {
		if expired(msg, now) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	b.history = kept

	for _, box := range b.agents {
		keptQueue := box.queue[:0]
		for _, msg := range box.queue {
			if expired(msg, now) {
				removed++
				continue
			}
			keptQueue = append(keptQueue, msg)
		}
		box.queue = keptQueue
	}
	return removed
}

func (b *Broker) push(handler Handler, msg domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("broker handler panic for agent %s: %v", msg.RecipientID, r)
		}
	}()
	handler(msg)
}

func (b *Broker) sealLocked(msg domain.AgentMessage) domain.AgentMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ExpiresAt == nil {
		exp := msg.CreatedAt.Add(b.cfg.MessageTTL)
		msg.ExpiresAt = &exp
	}
	return msg
}

func (b *Broker) enqueueLocked(box *mailbox, msg domain.AgentMessage) {
	if len(box.queue) >= b.cfg.QueueCapacity {
		box.queue = append(box.queue[:0], box.queue[1:]...)
	}
	box.queue = append(box.queue, msg)
}

func (b *Broker) recordLocked(msg domain.AgentMessage) {
	if len(b.history) >= b.cfg.HistoryLimit {
		b.history = append(b.history[:0], b.history[1:]...)
	}
	b.history = append(b.history, msg)
}

func expired(msg domain.AgentMessage, now time.Time) bool {
	return msg.ExpiresAt != nil && now.After(*msg.ExpiresAt)
}
