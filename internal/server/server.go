package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/roomcode"
	"github.com/npezzotti/go-roomchat/internal/stats"
	"github.com/npezzotti/go-roomchat/internal/types"
	"go.uber.org/zap"
)

const (
	persistTimeout = 5 * time.Second
	globalChanSize = 256

	metricConnections       = "connections"
	metricBoundConnections  = "bound_connections"
	metricActiveRooms       = "active_rooms"
	metricMessagesBroadcast = "messages_broadcast"
)

var (
	errAlreadyBound = errors.New("connection already bound to a room")
	errServerClosed = errors.New("chat server is shutting down")
	errRoomBusy     = errors.New("room message queue full")
)

// MessageAppender persists chat events before they are broadcast.
type MessageAppender interface {
	Append(ctx context.Context, p chat.AppendParams) (types.ChatMessage, error)
}

// RoomChecker reports whether a room code was ever created.
type RoomChecker interface {
	Exists(ctx context.Context, code string) (bool, error)
}

type stopRequest struct {
	done chan struct{}
}

// ChatServer owns the live connection table and routes chat events to
// the connections bound to each room.
type ChatServer struct {
	log         *zap.SugaredLogger
	messages    MessageAppender
	roomChecker RoomChecker
	stats       stats.StatsProvider
	strictBind  bool
	idleTimeout time.Duration

	clients       map[*Client]struct{}
	clientsLock   sync.RWMutex
	clientsClosed bool
	// pumps counts served connections whose pumps are still running
	pumps sync.WaitGroup

	// rooms holds the loaded rooms. roomsLock is never held across I/O.
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	closed    bool

	globalChan chan *ClientMessage
	stop       chan stopRequest
}

// NewChatServer returns a server that persists events through messages.
// With strictBind set, binds to codes unknown to roomChecker are refused.
func NewChatServer(logger *zap.SugaredLogger, messages MessageAppender, roomChecker RoomChecker, su stats.StatsProvider, strictBind bool) (*ChatServer, error) {
	if messages == nil {
		return nil, errors.New("message appender is required")
	}
	if strictBind && roomChecker == nil {
		return nil, errors.New("strict bind requires a room checker")
	}

	su.RegisterMetric(metricConnections)
	su.RegisterMetric(metricBoundConnections)
	su.RegisterMetric(metricActiveRooms)
	su.RegisterMetric(metricMessagesBroadcast)

	return &ChatServer{
		log:         logger,
		messages:    messages,
		roomChecker: roomChecker,
		stats:       su,
		strictBind:  strictBind,
		idleTimeout: idleRoomTimeout,
		clients:     make(map[*Client]struct{}),
		rooms:       make(map[string]*Room),
		globalChan:  make(chan *ClientMessage, globalChanSize),
		stop:        make(chan stopRequest),
	}, nil
}

// Run processes untagged chat events until Shutdown is called.
func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.globalChan:
			cs.persistAndBroadcast(msg, "")
		case req := <-cs.stop:
			cs.log.Info("shutting down chat server")
			cs.stopClients()
			cs.unloadAllRooms()
			cs.drainGlobal()
			close(req.done)
			return
		}
	}
}

// Shutdown stops every client, unloads all rooms after persisting their
// pending events, and waits for the client pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopRequest{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	pumpsDone := make(chan struct{})
	go func() {
		cs.pumps.Wait()
		close(pumpsDone)
	}()

	select {
	case <-pumpsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve registers c and runs its read and write pumps. Shutdown returns
// only after the pumps of every served client have exited.
func (cs *ChatServer) Serve(c *Client) error {
	cs.clientsLock.Lock()
	if cs.clientsClosed {
		cs.clientsLock.Unlock()
		return errServerClosed
	}
	cs.clients[c] = struct{}{}
	cs.pumps.Add(1)
	cs.clientsLock.Unlock()

	cs.stats.Incr(metricConnections)
	cs.log.Debugf("registered client %q", c.id)

	go func() {
		defer cs.pumps.Done()
		c.run()
	}()

	return nil
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	if cs.removeClient(c) {
		cs.stats.Decr(metricConnections)
		cs.log.Debugf("deregistered client %q", c.id)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)
	return true
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// bind attaches c to the room under code. A connection is bound at most
// once.
func (cs *ChatServer) bind(ctx context.Context, c *Client, code, username string) error {
	code = roomcode.Normalize(code)
	if code == "" {
		return &chat.ValidationError{Field: "roomCode"}
	}
	if username == "" {
		return &chat.ValidationError{Field: "username"}
	}

	c.bindLock.Lock()
	defer c.bindLock.Unlock()

	if c.room != nil {
		return errAlreadyBound
	}

	if cs.strictBind {
		exists, err := cs.roomChecker.Exists(ctx, code)
		if err != nil {
			return err
		}
		if !exists {
			return chat.ErrRoomNotFound
		}
	}

	var room *Room
	err := cs.withRoom(code, func(r *Room) error {
		r.addClient(c)
		room = r
		return nil
	})
	if err != nil {
		return err
	}

	c.room = room
	c.username = username
	cs.stats.Incr(metricBoundConnections)
	cs.log.Infof("client %q bound to room %q as %q", c.id, code, username)

	return nil
}

// unbind releases the binding of c, if any.
func (cs *ChatServer) unbind(c *Client) {
	c.bindLock.Lock()
	defer c.bindLock.Unlock()

	if c.room == nil {
		return
	}

	c.room.removeClient(c)
	cs.log.Debugf("client %q unbound from room %q", c.id, c.room.code)
	c.room = nil
	cs.stats.Decr(metricBoundConnections)
}

// recipientsFor returns the connections bound to code, or every live
// connection when code is empty.
func (cs *ChatServer) recipientsFor(code string) []*Client {
	if code == "" {
		return cs.getClients()
	}

	r := cs.getRoom(code)
	if r == nil {
		return nil
	}
	return r.getClients()
}

// route hands a validated chat event to the loop that owns its room.
func (cs *ChatServer) route(msg *ClientMessage) error {
	code := roomcode.Normalize(msg.Chat.RoomCode)
	if code == "" {
		select {
		case cs.globalChan <- msg:
			return nil
		default:
			return errRoomBusy
		}
	}

	return cs.withRoom(code, func(r *Room) error {
		select {
		case r.clientMsgChan <- msg:
			return nil
		default:
			return errRoomBusy
		}
	})
}

// persistAndBroadcast appends msg to the log and delivers the stored
// event to the recipients of code. Nothing is delivered if the append
// fails.
func (cs *ChatServer) persistAndBroadcast(msg *ClientMessage, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	stored, err := cs.messages.Append(ctx, msg.Chat.params())
	if err != nil {
		if chat.IsValidation(err) {
			msg.client.queueMessage(ErrBadRequest(msg.Id, err.Error()))
			return
		}

		cs.log.Errorw("failed to persist message", "client", msg.client.id, "room", code, "error", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	out := newMessage(stored)
	for _, c := range cs.recipientsFor(code) {
		if !c.queueMessage(out) {
			cs.log.Warnf("dropped message %q for client %q", stored.Id, c.id)
		}
	}
	cs.stats.Incr(metricMessagesBroadcast)
}

// withRoom runs fn against the loaded room for code, loading it first if
// needed. fn runs with the room table locked and must not block.
func (cs *ChatServer) withRoom(code string, fn func(r *Room) error) error {
	cs.roomsLock.RLock()
	if cs.closed {
		cs.roomsLock.RUnlock()
		return errServerClosed
	}
	if r, ok := cs.rooms[code]; ok {
		defer cs.roomsLock.RUnlock()
		return fn(r)
	}
	cs.roomsLock.RUnlock()

	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.closed {
		return errServerClosed
	}

	r, ok := cs.rooms[code]
	if !ok {
		r = cs.loadRoom(code)
	}

	return fn(r)
}

// loadRoom starts the loop for code. Callers hold roomsLock.
func (cs *ChatServer) loadRoom(code string) *Room {
	r := newRoom(code, cs)
	cs.rooms[code] = r
	cs.stats.Incr(metricActiveRooms)
	cs.log.Debugf("loaded room %q", code)

	go r.start()

	return r
}

func (cs *ChatServer) getRoom(code string) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	return cs.rooms[code]
}

// unloadRoom removes r from the table if it has no clients and no
// pending events. It reports whether r should exit.
func (cs *ChatServer) unloadRoom(r *Room) bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.rooms[r.code] != r {
		// already removed by shutdown
		return true
	}

	if r.clientCount() > 0 {
		return false
	}
	if len(r.clientMsgChan) > 0 {
		r.killTimer.Reset(cs.idleTimeout)
		return false
	}

	delete(cs.rooms, r.code)
	cs.log.Debugf("unloaded room %q", r.code)
	return true
}

func (cs *ChatServer) unloadAllRooms() {
	cs.roomsLock.Lock()
	cs.closed = true
	rooms := make([]*Room, 0, len(cs.rooms))
	for code, r := range cs.rooms {
		rooms = append(rooms, r)
		delete(cs.rooms, code)
	}
	cs.roomsLock.Unlock()

	for _, r := range rooms {
		cs.log.Debugf("shutting down room %q", r.code)
		close(r.exit)
		<-r.done
	}
}

func (cs *ChatServer) stopClients() {
	cs.clientsLock.Lock()
	cs.clientsClosed = true
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range clients {
		c.stopClient()
	}
}

func (cs *ChatServer) drainGlobal() {
	for {
		select {
		case msg := <-cs.globalChan:
			cs.persistAndBroadcast(msg, "")
		default:
			return
		}
	}
}
