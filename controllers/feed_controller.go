package controller

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"outreach/models"
)

const feedBuffer = 64

// TransitionHub fans engine transitions out to connected dashboards. It is
// registered as an engine observer.
type TransitionHub struct {
	Logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[chan models.Transition]struct{}
}

func NewTransitionHub(logger logrus.FieldLogger) *TransitionHub {
	return &TransitionHub{
		Logger:  logger,
		clients: make(map[chan models.Transition]struct{}),
	}
}

// OnTransition never blocks the engine; a client that falls behind loses
// messages rather than stalling the tick.
func (h *TransitionHub) OnTransition(tr models.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- tr:
		default:
			h.Logger.WithField("instance_id", tr.InstanceID).Warn("Feed client is behind, dropping transition")
		}
	}
}

func (h *TransitionHub) subscribe() chan models.Transition {
	ch := make(chan models.Transition, feedBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *TransitionHub) unsubscribe(ch chan models.Transition) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Clients returns the number of connected dashboards.
func (h *TransitionHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleFeed streams transitions to one websocket connection until the
// client goes away.
func (h *TransitionHub) HandleFeed(c *websocket.Conn) {
	defer c.Close()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case tr := <-ch:
			if err := c.WriteJSON(tr); err != nil {
				h.Logger.WithError(err).Debug("Feed write failed")
				return
			}
		}
	}
}
