package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages push channel subscriptions by deployment ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	hangUp    chan hangUpRequest
	quit      chan struct{}
	closeOnce sync.Once
}

// message couples payload with deployment identifier.
type message struct {
	deploymentID string
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	deploymentID string
	client       Subscriber
}

type hangUpRequest struct {
	deploymentID string
	done         chan struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		hangUp:    make(chan hangUpRequest),
		quit:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.deploymentID, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[msg.deploymentID] {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.remove(msg.deploymentID, c)
				}
			}
			h.mu.Unlock()
		case req := <-h.hangUp:
			h.mu.Lock()
			for c := range h.clients[req.deploymentID] {
				c.Close()
			}
			delete(h.clients, req.deploymentID)
			h.mu.Unlock()
			close(req.done)
		case <-h.quit:
			h.mu.Lock()
			for id, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(deploymentID string, client Subscriber) {
	clients, ok := h.clients[deploymentID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, deploymentID)
	}
}

// Register adds a client to a deployment channel.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	select {
	case h.register <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.quit:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.quit:
	}
}

// Broadcast sends payload to all clients of a deployment.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	select {
	case h.broadcast <- message{deploymentID: deploymentID, payload: payload}:
	case <-h.quit:
	}
}

// HangUp closes every client of a deployment and waits until they are dropped.
func (h *Hub) HangUp(deploymentID string) {
	req := hangUpRequest{deploymentID: deploymentID, done: make(chan struct{})}
	select {
	case h.hangUp <- req:
		<-req.done
	case <-h.quit:
	}
}

// Subscribers returns the number of clients attached to a deployment.
func (h *Hub) Subscribers(deploymentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deploymentID])
}

// Close stops the hub and closes all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
}
