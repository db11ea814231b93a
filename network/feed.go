package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Common errors for feed operations
var (
	ErrFeedNotRunning = errors.New("feed is not running")
	ErrFeedRunning    = errors.New("feed already running")
)

// EventType is the topic an event is published on.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventReceived   EventType = "received"
	EventDone       EventType = "done"
	EventDropped    EventType = "dropped"
)

// Event describes one transaction lifecycle step.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Client    string    `json:"client"`
	Work      int       `json:"work,omitempty"`
	Worker    int       `json:"worker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedStats contains feed statistics.
type FeedStats struct {
	Address   string `json:"address"`
	IsRunning bool   `json:"is_running"`
	Published int64  `json:"published"`
	Dropped   int64  `json:"dropped"`
	QueueSize int    `json:"queue_size"`
}

// Feed publishes transaction events on a ZeroMQ PUB socket. Publish never
// blocks; events are dropped when the outgoing buffer is full.
type Feed struct {
	address string

	ctx    context.Context
	cancel context.CancelFunc

	pub    zmq4.Socket
	events chan *Event

	published int64
	dropped   int64

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewFeed creates a feed that will bind to address, e.g. "tcp://127.0.0.1:5556".
func NewFeed(address string, buffer int) *Feed {
	if buffer <= 0 {
		buffer = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Feed{
		address: address,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan *Event, buffer),
	}
}

// Start binds the PUB socket and starts the publisher goroutine.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return ErrFeedRunning
	}

	pub := zmq4.NewPub(f.ctx)
	if err := pub.Listen(f.address); err != nil {
		return fmt.Errorf("failed to bind feed on %s: %w", f.address, err)
	}
	f.pub = pub
	f.running = true

	f.wg.Add(1)
	go f.publisherLoop()

	return nil
}

// Addr returns the bound endpoint in tcp://host:port form.
func (f *Feed) Addr() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.pub == nil || f.pub.Addr() == nil {
		return f.address
	}
	return "tcp://" + f.pub.Addr().String()
}

// Publish queues ev for delivery. Returns false if the event was dropped.
func (f *Feed) Publish(ev *Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.running {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case f.events <- ev:
		return true
	default:
		atomic.AddInt64(&f.dropped, 1)
		return false
	}
}

// publisherLoop serializes events and sends them as [topic, json] frames.
func (f *Feed) publisherLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.events:
			data, err := json.Marshal(ev)
			if err != nil {
				atomic.AddInt64(&f.dropped, 1)
				continue
			}
			if err := f.pub.Send(zmq4.NewMsgFrom([]byte(ev.Type), data)); err != nil {
				atomic.AddInt64(&f.dropped, 1)
				continue
			}
			atomic.AddInt64(&f.published, 1)
		}
	}
}

// Stop shuts the feed down. Events still buffered are discarded.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()

	_ = f.pub.Close()
}

// GetStats returns current feed statistics.
func (f *Feed) GetStats() FeedStats {
	f.mu.RLock()
	running := f.running
	f.mu.RUnlock()

	return FeedStats{
		Address:   f.Addr(),
		IsRunning: running,
		Published: atomic.LoadInt64(&f.published),
		Dropped:   atomic.LoadInt64(&f.dropped),
		QueueSize: len(f.events),
	}
}

// Subscription receives events from a Feed.
type Subscription struct {
	sub zmq4.Socket
}

// Subscribe connects to a feed at address. With no topics every event is
// received.
func Subscribe(ctx context.Context, address string, topics ...EventType) (*Subscription, error) {
	sub := zmq4.NewSub(ctx)
	if err := sub.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to feed %s: %w", address, err)
	}

	if len(topics) == 0 {
		topics = []EventType{""}
	}
	for _, topic := range topics {
		if err := sub.SetOption(zmq4.OptionSubscribe, string(topic)); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
	}

	return &Subscription{sub: sub}, nil
}

// Next blocks until the next event arrives.
func (s *Subscription) Next() (*Event, error) {
	msg, err := s.sub.Recv()
	if err != nil {
		return nil, err
	}
	if len(msg.Frames) < 2 {
		return nil, fmt.Errorf("malformed feed message: %d frames", len(msg.Frames))
	}

	var ev Event
	if err := json.Unmarshal(msg.Frames[1], &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}

// Close closes the subscription socket.
func (s *Subscription) Close() error {
	return s.sub.Close()
}
