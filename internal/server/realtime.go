package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
)

const (
	// LiveEventPostsCreated announces new post identifiers in a topic.
	LiveEventPostsCreated = "created"
	// LiveEventPostRecovered announces a deleted post made visible again.
	LiveEventPostRecovered = "recovered"
)

// LiveMessage is the payload pushed to topic subscribers when posts appear
// or recover.
type LiveMessage struct {
	TopicID   int64          `json:"topic_id"`
	EventType string         `json:"event_type"`
	PostIDs   []topic.PostID `json:"post_ids"`
	StageKey  string         `json:"stage_key,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LiveDispatcher fans live messages out to every subscriber of a topic.
// Publish never blocks; a subscriber that falls behind its buffer misses
// messages and is expected to refresh.
type LiveDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*liveSubscriber
	nextID      int64
	bufferSize  int
}

type liveSubscriber struct {
	id     int64
	stream chan LiveMessage
}

func NewLiveDispatcher() *LiveDispatcher {
	return &LiveDispatcher{
		subscribers: make(map[int64]map[int64]*liveSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for a topic's live messages until the context ends or
// the returned cleanup runs.
func (d *LiveDispatcher) Subscribe(ctx context.Context, topicID int64) (<-chan LiveMessage, func()) {
	if topicID <= 0 {
		ch := make(chan LiveMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &liveSubscriber{
		id:     d.nextSequence(),
		stream: make(chan LiveMessage, d.bufferSize),
	}
	d.registerSubscriber(topicID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(topicID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *LiveDispatcher) Publish(message LiveMessage) {
	if message.TopicID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TopicID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*liveSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *LiveDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *LiveDispatcher) registerSubscriber(topicID int64, subscriber *liveSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topicID]; !ok {
		d.subscribers[topicID] = make(map[int64]*liveSubscriber)
	}
	d.subscribers[topicID][subscriber.id] = subscriber
}

func (d *LiveDispatcher) unregisterSubscriber(topicID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topicID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topicID)
		}
	}
	d.mu.Unlock()
}
