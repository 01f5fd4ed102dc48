package store

import (
	"context"
	"log/slog"
	"sync"
)

// Listener receives change and sync-lifecycle notifications. Callbacks are
// delivered from a single dispatch goroutine and never run concurrently with
// each other.
type Listener interface {
	ItemsChanged(ids []string)
	SubscriptionsChanged(ids []string)
	TagsChanged(ids []string)
	SyncStarted(kind string)
	SyncProgress(kind, text string, current, total int)
	SyncFinished(kind string, success bool)
}

// Hub fans out notifications to registered listeners. Delivery is
// best-effort: publishing never blocks a committed write, and a full queue
// drops the notification rather than stalling the publisher.
type Hub struct {
	mu        sync.RWMutex
	listeners []Listener

	events chan func(Listener)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		events: make(chan func(Listener), 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.ctx.Done():
				return
			case fn := <-h.events:
				h.dispatch(fn)
			}
		}
	}()
}

func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Hub) RemoveListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.listeners {
		if existing == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *Hub) dispatch(fn func(Listener)) {
	h.mu.RLock()
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

func (h *Hub) publish(fn func(Listener)) {
	if h == nil {
		return
	}
	select {
	case h.events <- fn:
	default:
		slog.Warn("Notification queue full, dropping event")
	}
}

// NotifyItemsChanged publishes an item change. A nil id list signals an
// unscoped bulk change; listeners should refresh everything.
func (h *Hub) NotifyItemsChanged(ids []string) {
	h.publish(func(l Listener) { l.ItemsChanged(ids) })
}

func (h *Hub) NotifySubscriptionsChanged(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.publish(func(l Listener) { l.SubscriptionsChanged(ids) })
}

func (h *Hub) NotifyTagsChanged(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.publish(func(l Listener) { l.TagsChanged(ids) })
}

func (h *Hub) NotifySyncStarted(kind string) {
	h.publish(func(l Listener) { l.SyncStarted(kind) })
}

func (h *Hub) NotifySyncProgress(kind, text string, current, total int) {
	h.publish(func(l Listener) { l.SyncProgress(kind, text, current, total) })
}

func (h *Hub) NotifySyncFinished(kind string, success bool) {
	h.publish(func(l Listener) { l.SyncFinished(kind, success) })
}
