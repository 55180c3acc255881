package server

import (
	"context"
	"sync"
	"time"

	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
)

const (
	RealtimeEventSyncCycle = "sync-cycle"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "tag-padrin"
)

// RealtimeMessage is one event delivered to stream subscribers.
type RealtimeMessage struct {
	EventType string
	Cycle     *cycleEventPayload
	Timestamp time.Time
}

// RealtimeDispatcher fans cycle events out to every connected stream.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that is removed when ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber, dropping it for slow readers.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
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

// CycleCompleted publishes a finished cycle as a sync-cycle event.
func (d *RealtimeDispatcher) CycleCompleted(result syncengine.CycleResult) {
	payload := newCycleEventPayload(result)
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventSyncCycle,
		Cycle:     &payload,
		Timestamp: time.Now().UTC(),
	})
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

type cycleEventPayload struct {
	CycleID      string `json:"cycleId"`
	Trigger      string `json:"trigger"`
	Status       string `json:"status"`
	TotalDevices int    `json:"total"`
	SuccessCount int    `json:"success"`
	FailedCount  int    `json:"failed"`
	DurationMs   int64  `json:"durationMs"`
	Source       string `json:"source"`
}

func newCycleEventPayload(result syncengine.CycleResult) cycleEventPayload {
	return cycleEventPayload{
		CycleID:      result.CycleID,
		Trigger:      string(result.Trigger),
		Status:       string(result.Status),
		TotalDevices: result.TotalDevices,
		SuccessCount: result.SuccessCount,
		FailedCount:  result.FailedCount,
		DurationMs:   result.DurationMs,
		Source:       realtimeSource,
	}
}
