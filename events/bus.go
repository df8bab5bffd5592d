package events

import "sync"

// Type names a category of state-change event.
type Type string

const (
	PlaybackChanged  Type = "playback"  // Payload: model.PlaybackState
	StagedChanged    Type = "staged"    // Payload: []ingest.StagedFile
	DownloadsChanged Type = "downloads" // Payload: []model.DownloadRecord
	TransferProgress Type = "transfer"  // Payload: []model.ActiveTransfer
)

var allTypes = []Type{PlaybackChanged, StagedChanged, DownloadsChanged, TransferProgress}

// Event is one state-change notification.
type Event struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
}

// Bus distributes state-change events over channels. Publishing never
// blocks; a subscriber that falls behind loses events, which is fine
// because every payload is a full snapshot.
type Bus struct {
	subscribers map[Type][]chan Event
	mu          sync.RWMutex
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan Event),
	}
}

// Subscribe returns a channel receiving events of the given type.
func (b *Bus) Subscribe(eventType Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event type.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32)
	for _, eventType := range allTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	}
	return ch
}

// Publish broadcasts an event to all subscribers of its type.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, drop rather than block.
		}
	}
}

// Unsubscribe removes a subscriber channel from every type it is
// registered under.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
	}
	b.subscribers = make(map[Type][]chan Event)
}
