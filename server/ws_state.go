package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"shelfstream/events"
	"shelfstream/logger"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// StateSocketHandler streams every state-change event to the presentation
// layer as JSON. On connect the current snapshots are sent first so a
// late subscriber starts consistent.
func (h *APIHandler) StateSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	send := func(event events.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			logger.Debug("websocket write failed", logger.ErrorField(err))
			return false
		}
		return true
	}

	// Initial snapshots.
	if !send(events.Event{Type: events.PlaybackChanged, Payload: h.session.State()}) {
		return
	}
	if !send(events.Event{Type: events.DownloadsChanged, Payload: h.manager.Records()}) {
		return
	}
	if !send(events.Event{Type: events.TransferProgress, Payload: h.manager.ActiveTransfers()}) {
		return
	}

	ch := h.bus.SubscribeAll()
	defer h.bus.Unsubscribe(ch)

	// Drain reads so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !send(event) {
				return
			}
		}
	}
}
