package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbocsi/goremote/client"
)

const (
	defaultEventHistory = 100
	subscriberBuffer    = 16
)

// EventLog records connection lifecycle events and fans them out to
// subscribers. It is attached to the client as a ClientListener.
type EventLog struct {
	status  func() client.Status
	history int

	mu          sync.RWMutex
	events      []EventInfo
	subscribers map[string]chan EventInfo
}

// NewEventLog stamps each event with the attempt and device status reports
// when the event is published. status may be nil.
func NewEventLog(status func() client.Status, history int) *EventLog {
	if history <= 0 {
		history = defaultEventHistory
	}
	return &EventLog{
		status:      status,
		history:     history,
		subscribers: make(map[string]chan EventInfo),
	}
}

func (l *EventLog) OnConnected(client.Sender) {
	l.publish(EventConnected)
}

func (l *EventLog) OnDisconnected() {
	l.publish(EventDisconnected)
}

func (l *EventLog) OnConnectionFailed() {
	l.publish(EventConnectionFailed)
}

func (l *EventLog) publish(t EventType) {
	ev := EventInfo{ID: uuid.NewString(), Type: t, Time: time.Now()}
	if l.status != nil {
		st := l.status()
		ev.AttemptID = st.AttemptID
		if t == EventConnected && st.Device != nil {
			info := toDeviceInfo(*st.Device, true)
			ev.Device = &info
		}
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.history {
		l.events = l.events[len(l.events)-l.history:]
	}
	for id, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("Event subscriber too slow, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
	l.mu.Unlock()
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns
// all retained events.
func (l *EventLog) Recent(n int) []EventInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	return append([]EventInfo(nil), l.events[len(l.events)-n:]...)
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (l *EventLog) Subscribe() (<-chan EventInfo, func()) {
	id := uuid.NewString()
	ch := make(chan EventInfo, subscriberBuffer)

	l.mu.Lock()
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			close(ch)
			l.mu.Unlock()
		})
	}
}
