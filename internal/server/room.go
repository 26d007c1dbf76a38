package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	idleRoomTimeout = 30 * time.Second
	roomChanSize    = 256
)

// Room is a loaded room: the connections currently bound to it and the
// loop that persists and broadcasts its events in arrival order.
type Room struct {
	code          string
	cs            *ChatServer
	log           *zap.SugaredLogger
	clients       map[*Client]struct{}
	clientLock    sync.RWMutex
	clientMsgChan chan *ClientMessage
	// killTimer unloads the room once it has been idle
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(code string, cs *ChatServer) *Room {
	return &Room{
		code:          code,
		cs:            cs,
		log:           cs.log.With("room", code),
		clients:       make(map[*Client]struct{}),
		clientMsgChan: make(chan *ClientMessage, roomChanSize),
		killTimer:     time.NewTimer(cs.idleTimeout),
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	defer func() {
		r.killTimer.Stop()
		r.cs.stats.Decr(metricActiveRooms)
		close(r.done)
		r.log.Debug("room exited")
	}()

	for {
		select {
		case msg := <-r.clientMsgChan:
			r.cs.persistAndBroadcast(msg, r.code)
		case <-r.killTimer.C:
			if r.cs.unloadRoom(r) {
				return
			}
		case <-r.exit:
			r.drain()
			return
		}
	}
}

func (r *Room) drain() {
	for {
		select {
		case msg := <-r.clientMsgChan:
			r.cs.persistAndBroadcast(msg, r.code)
		default:
			return
		}
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	r.killTimer.Stop()
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)

	if len(r.clients) == 0 {
		r.log.Debug("no clients left, starting kill timer")
		r.killTimer.Reset(r.cs.idleTimeout)
	}
}

func (r *Room) getClients() []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}
