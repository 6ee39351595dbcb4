package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LinkWebSocketHandler pushes link transitions to browser dashboards.
// Each connection has its own write mutex so a slow client cannot
// serialize the whole broadcast.
type LinkWebSocketHandler struct {
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex
	session   *Session
	upgrader  websocket.Upgrader

	// Recent events replayed to new connections so a dashboard opened
	// mid-performance starts with context.
	eventBuffer   []LinkEvent
	eventBufferMu sync.RWMutex
	maxEvents     int
}

// NewLinkWebSocketHandler creates the handler and registers it as a
// session link event listener.
func NewLinkWebSocketHandler(session *Session) *LinkWebSocketHandler {
	h := &LinkWebSocketHandler{
		clients:     make(map[*websocket.Conn]*sync.Mutex),
		session:     session,
		eventBuffer: make([]LinkEvent, 0, 50),
		maxEvents:   50,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Installation network is closed; all origins allowed
			},
		},
	}
	session.OnLinkEvent(h.BroadcastLinkEvent)
	return h
}

// HandleWebSocket upgrades the connection and streams link events.
func (h *LinkWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Link WebSocket: Failed to upgrade connection: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	log.Printf("Link WebSocket: Client connected from %s (total: %d)", r.RemoteAddr, clientCount)

	// Current state first, then the recent event history.
	h.sendMessage(conn, map[string]interface{}{
		"type": "snapshot",
		"data": h.session.Links(),
	})
	h.sendBufferedEvents(conn)

	go h.handleClient(conn)
}

func (h *LinkWebSocketHandler) handleClient(conn *websocket.Conn) {
	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()
		conn.Close()
		log.Printf("Link WebSocket: Client disconnected (remaining: %d)", clientCount)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// The ping goroutine must exit when the read loop does, not wait
	// for a tick that a stopped ticker never delivers.
	pingDone := make(chan struct{})
	defer close(pingDone)

	go func() {
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
			}

			h.clientsMu.RLock()
			writeMu, exists := h.clients[conn]
			h.clientsMu.RUnlock()
			if !exists {
				return
			}

			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Link WebSocket: Read error: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "ping":
			h.sendMessage(conn, map[string]interface{}{"type": "pong"})
		case "snapshot":
			h.sendMessage(conn, map[string]interface{}{
				"type": "snapshot",
				"data": h.session.Links(),
			})
		}
	}
}

// BroadcastLinkEvent fans one link transition out to every client.
// Called from detection loop goroutines.
func (h *LinkWebSocketHandler) BroadcastLinkEvent(ev LinkEvent) {
	h.eventBufferMu.Lock()
	h.eventBuffer = append(h.eventBuffer, ev)
	if len(h.eventBuffer) > h.maxEvents {
		h.eventBuffer = h.eventBuffer[len(h.eventBuffer)-h.maxEvents:]
	}
	h.eventBufferMu.Unlock()

	h.broadcast(map[string]interface{}{
		"type": "link_event",
		"data": ev,
	})
}

func (h *LinkWebSocketHandler) sendBufferedEvents(conn *websocket.Conn) {
	h.eventBufferMu.RLock()
	events := make([]LinkEvent, len(h.eventBuffer))
	copy(events, h.eventBuffer)
	h.eventBufferMu.RUnlock()

	for _, ev := range events {
		if err := h.sendMessage(conn, map[string]interface{}{
			"type": "link_event",
			"data": ev,
		}); err != nil {
			log.Printf("Link WebSocket: Failed to send buffered event: %v", err)
			return
		}
	}
}

func (h *LinkWebSocketHandler) broadcast(message map[string]interface{}) {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("Link WebSocket: Failed to marshal message: %v", err)
		return
	}

	// Copy the client list first so slow writes never hold clientsMu.
	h.clientsMu.RLock()
	clientList := make([]*websocket.Conn, 0, len(h.clients))
	writeMutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		clientList = append(clientList, conn)
		writeMutexes = append(writeMutexes, writeMu)
	}
	h.clientsMu.RUnlock()

	var failedConns []*websocket.Conn
	for i, conn := range clientList {
		writeMu := writeMutexes[i]
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, messageJSON)
		writeMu.Unlock()
		if err != nil {
			failedConns = append(failedConns, conn)
		}
	}

	if len(failedConns) > 0 {
		h.clientsMu.Lock()
		for _, conn := range failedConns {
			if _, exists := h.clients[conn]; exists {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		remaining := len(h.clients)
		h.clientsMu.Unlock()
		log.Printf("Link WebSocket: Cleaned up %d failed connection(s) (remaining: %d)", len(failedConns), remaining)
	}
}

func (h *LinkWebSocketHandler) sendMessage(conn *websocket.Conn, message map[string]interface{}) error {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	writeMu, exists := h.clients[conn]
	h.clientsMu.RUnlock()
	if !exists {
		return websocket.ErrCloseSent
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, messageJSON)
}
