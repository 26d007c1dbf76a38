package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendChanSize   = 256
)

// Client is a single websocket connection. It is bound to at most one
// room over its lifetime.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.SugaredLogger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once

	bindLock sync.Mutex
	room     *Room
	username string
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *zap.SugaredLogger) *Client {
	id := shortid.MustGenerate()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With("client", id),
		send:       make(chan *ServerMessage, sendChanSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

// run serves the connection until both pumps have exited.
func (c *Client) run() {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.Write()
	}()

	c.Read()
	<-writeDone
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Errorf("failed to serialize message: %v", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnf("ws: read: %v", err)
			}
			break
		}

		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debugf("error parsing message: %v", err)
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}

	msg.client = c
	msg.Timestamp = Now()

	switch {
	case msg.Bind != nil:
		c.bind(&msg)
	case msg.Chat != nil:
		c.publish(&msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) bind(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := c.chatServer.bind(ctx, c, msg.Bind.RoomCode, msg.Bind.Username)
	switch {
	case err == nil:
	case chat.IsValidation(err):
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
	case errors.Is(err, errAlreadyBound):
		c.queueMessage(ErrAlreadyBound(msg.Id))
	case errors.Is(err, chat.ErrRoomNotFound):
		c.queueMessage(ErrRoomNotFound(msg.Id))
	case errors.Is(err, errServerClosed):
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	default:
		c.log.Errorf("bind: %v", err)
		c.queueMessage(ErrInternalError(msg.Id))
	}
}

func (c *Client) publish(msg *ClientMessage) {
	if err := msg.Chat.params().Validate(); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	if err := c.chatServer.route(msg); err != nil {
		c.log.Warnf("route message: %v", err)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.unbind(c)
	c.chatServer.DeRegisterClient(c)
	c.stopClient()
}
