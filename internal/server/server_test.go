package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/stats"
	"github.com/npezzotti/go-roomchat/internal/testutil"
	"github.com/npezzotti/go-roomchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type appenderFunc func(ctx context.Context, p chat.AppendParams) (types.ChatMessage, error)

func (f appenderFunc) Append(ctx context.Context, p chat.AppendParams) (types.ChatMessage, error) {
	return f(ctx, p)
}

type checkerFunc func(ctx context.Context, code string) (bool, error)

func (f checkerFunc) Exists(ctx context.Context, code string) (bool, error) {
	return f(ctx, code)
}

func newTestStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()
	return su
}

// newTestChatServer creates a ChatServer backed by an in-memory message log.
func newTestChatServer(t *testing.T) (*ChatServer, *chat.MessageLog) {
	log := chat.NewMessageLog(database.NewMemoryRepository())
	cs, err := NewChatServer(testutil.TestLogger(t), log, nil, newTestStats(), false)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs, log
}

// runChatServer starts the global loop and shuts it down with the test.
func runChatServer(t *testing.T, cs *ChatServer) {
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx), "expected clean shutdown")
	})
}

func newTestClient(t *testing.T, cs *ChatServer) *Client {
	c := &Client{
		id:         shortid.MustGenerate(),
		chatServer: cs,
		log:        testutil.TestLogger(t),
		send:       make(chan *ServerMessage, sendChanSize),
		stop:       make(chan struct{}),
	}
	cs.addClient(c)
	return c
}

func receive(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		require.FailNow(t, "expected a message for client", c.id)
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		assert.Failf(t, "unexpected message", "client %s received %+v", c.id, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func chatFrame(id int, username, message, roomCode string) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"chat":{"username":%q,"message":%q,"roomCode":%q}}`,
		id, username, message, roomCode))
}

func bindFrame(id int, roomCode, username string) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"bind":{"roomCode":%q,"username":%q}}`, id, roomCode, username))
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	logger := testutil.TestLogger(t)
	log := chat.NewMessageLog(database.NewMemoryRepository())
	cs, err := NewChatServer(logger, log, nil, su, false)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.globalChan, "expected globalChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
	assert.Equal(t, idleRoomTimeout, cs.idleTimeout)

	t.Run("requires message appender", func(t *testing.T) {
		_, err := NewChatServer(logger, nil, nil, &stats.MockStatsUpdater{}, false)
		assert.Error(t, err)
	})

	t.Run("strict bind requires room checker", func(t *testing.T) {
		_, err := NewChatServer(logger, log, nil, &stats.MockStatsUpdater{}, true)
		assert.Error(t, err)
	})
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs, _ := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs, _ := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected deadline exceeded without a running server")
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	cs, log := newTestChatServer(t)
	go cs.Run()

	c := newTestClient(t, cs)
	require.NoError(t, cs.bind(context.Background(), c, "C1", "alice"))
	require.NoError(t, cs.route(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Chat:        &Chat{Username: "alice", Message: "bye", RoomCode: "C1"},
		client:      c,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	assert.Empty(t, cs.rooms, "expected all rooms to be unloaded")

	all, err := log.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1, "expected pending room events to be persisted before exit")

	err = cs.withRoom("C2", func(*Room) error { return nil })
	assert.ErrorIs(t, err, errServerClosed, "expected no rooms to load after shutdown")
}

func TestChatServerShutdown_waitsForPumps(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	cs, err := NewChatServer(logger, chat.NewMessageLog(database.NewMemoryRepository()), nil, newTestStats(), false)
	require.NoError(t, err)
	go cs.Run()

	served := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, cs, logger)
		if assert.NoError(t, cs.Serve(c)) {
			served <- c
		}
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be served")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	assert.Equal(t, 1, logs.FilterMessage("write exiting").Len(), "expected write pump to exit before shutdown returns")
	assert.Equal(t, 1, logs.FilterMessage("read exiting").Len(), "expected read pump to exit before shutdown returns")
	assert.Empty(t, cs.getClients(), "expected client to be deregistered")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going away close frame, got %v", err)

	assert.ErrorIs(t, cs.Serve(&Client{}), errServerClosed, "expected no clients served after shutdown")
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	cs, _ := newTestChatServer(t)
	c := &Client{}

	cs.addClient(c)
	assert.Len(t, cs.getClients(), 1)

	assert.True(t, cs.removeClient(c))
	assert.False(t, cs.removeClient(c), "expected second remove to report nothing removed")
	assert.Empty(t, cs.getClients())
}

func TestChatServer_bind(t *testing.T) {
	ctx := context.Background()

	tcases := []struct {
		name       string
		code       string
		username   string
		validation bool
		boundTo    string
	}{
		{name: "binds", code: "C1", username: "alice", boundTo: "C1"},
		{name: "normalizes code", code: " c1 ", username: "alice", boundTo: "C1"},
		{name: "unknown room binds silently", code: "NOPE99", username: "alice", boundTo: "NOPE99"},
		{name: "empty code", code: "", username: "alice", validation: true},
		{name: "empty username", code: "C1", username: "", validation: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs, _ := newTestChatServer(t)
			c := newTestClient(t, cs)

			err := cs.bind(ctx, c, tc.code, tc.username)
			if tc.validation {
				assert.True(t, chat.IsValidation(err), "expected validation error")
				assert.Nil(t, c.room, "expected client to remain unbound")
				return
			}

			require.NoError(t, err)
			require.NotNil(t, c.room)
			assert.Equal(t, tc.boundTo, c.room.code)
			assert.Equal(t, tc.username, c.username)
			assert.ElementsMatch(t, []*Client{c}, cs.recipientsFor(tc.boundTo))
		})
	}
}

func TestChatServer_bind_rebindRejected(t *testing.T) {
	cs, _ := newTestChatServer(t)
	c := newTestClient(t, cs)

	require.NoError(t, cs.bind(context.Background(), c, "C1", "alice"))
	err := cs.bind(context.Background(), c, "C2", "alice")
	assert.ErrorIs(t, err, errAlreadyBound)

	assert.Equal(t, "C1", c.room.code, "expected original binding to be kept")
	assert.Empty(t, cs.recipientsFor("C2"))
}

func TestChatServer_bind_strict(t *testing.T) {
	ctx := context.Background()
	checker := checkerFunc(func(_ context.Context, code string) (bool, error) {
		switch code {
		case "C1":
			return true, nil
		case "BROKEN":
			return false, errors.New("store down")
		}
		return false, nil
	})

	cs, err := NewChatServer(testutil.TestLogger(t), chat.NewMessageLog(database.NewMemoryRepository()), checker, newTestStats(), true)
	require.NoError(t, err)

	c := newTestClient(t, cs)
	assert.ErrorIs(t, cs.bind(ctx, c, "ZZ", "alice"), chat.ErrRoomNotFound)
	assert.Nil(t, c.room)
	assert.Nil(t, cs.getRoom("ZZ"), "expected no room to be loaded for unknown code")

	assert.EqualError(t, cs.bind(ctx, c, "broken", "alice"), "store down")

	assert.NoError(t, cs.bind(ctx, c, "c1", "alice"))
	assert.Equal(t, "C1", c.room.code)
}

func TestChatServer_unbind(t *testing.T) {
	su := newTestStats()
	cs, err := NewChatServer(testutil.TestLogger(t), chat.NewMessageLog(database.NewMemoryRepository()), nil, su, false)
	require.NoError(t, err)

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	require.NoError(t, cs.bind(context.Background(), a, "C1", "alice"))
	require.NoError(t, cs.bind(context.Background(), b, "C1", "bob"))

	cs.unbind(a)
	assert.Nil(t, a.room)
	assert.ElementsMatch(t, []*Client{b}, cs.recipientsFor("C1"))

	cs.unbind(a)
	su.AssertNumberOfCalls(t, "Decr", 1)
}

func TestChatServer_recipientsFor(t *testing.T) {
	cs, _ := newTestChatServer(t)
	ctx := context.Background()

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	c := newTestClient(t, cs)
	d := newTestClient(t, cs)
	require.NoError(t, cs.bind(ctx, a, "C1", "alice"))
	require.NoError(t, cs.bind(ctx, b, "C1", "bob"))
	require.NoError(t, cs.bind(ctx, c, "C2", "carol"))

	assert.ElementsMatch(t, []*Client{a, b}, cs.recipientsFor("C1"))
	assert.ElementsMatch(t, []*Client{c}, cs.recipientsFor("C2"))
	assert.ElementsMatch(t, []*Client{a, b, c, d}, cs.recipientsFor(""), "expected global fallback to reach every live connection")
	assert.Empty(t, cs.recipientsFor("C3"))
}

func TestBroadcast_roomScoped(t *testing.T) {
	cs, log := newTestChatServer(t)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	c := newTestClient(t, cs)
	a.handleFrame(bindFrame(1, "C1", "alice"))
	b.handleFrame(bindFrame(1, "C1", "bob"))
	c.handleFrame(bindFrame(1, "C2", "carol"))

	a.handleFrame(chatFrame(2, "alice", "hi", "C1"))

	for _, recipient := range []*Client{a, b} {
		msg := receive(t, recipient)
		require.NotNil(t, msg.Message, "expected a chat message, got %+v", msg)
		assert.Zero(t, msg.Id, "expected broadcast without a request id")
		assert.Equal(t, "alice", msg.Message.Username)
		assert.Equal(t, "hi", msg.Message.Message)
		assert.Equal(t, "C1", msg.Message.RoomCode)
	}
	assertNoMessage(t, c)

	all, err := log.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "C1", all[0].RoomCode)
}

func TestBroadcast_globalFallback(t *testing.T) {
	cs, log := newTestChatServer(t)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	c := newTestClient(t, cs)
	a.handleFrame(bindFrame(1, "C1", "alice"))
	b.handleFrame(bindFrame(1, "C2", "bob"))

	a.handleFrame(chatFrame(2, "alice", "everyone", ""))

	for _, recipient := range []*Client{a, b, c} {
		msg := receive(t, recipient)
		require.NotNil(t, msg.Message)
		assert.Equal(t, "everyone", msg.Message.Message)
		assert.Empty(t, msg.Message.RoomCode)
	}

	all, err := log.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBroadcast_isolation(t *testing.T) {
	cs, _ := newTestChatServer(t)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	slow := newTestClient(t, cs)
	slow.send = make(chan *ServerMessage, 1)
	slow.send <- &ServerMessage{}

	a.handleFrame(bindFrame(1, "C1", "alice"))
	slow.handleFrame(bindFrame(1, "C1", "bob"))

	a.handleFrame(chatFrame(2, "alice", "first", "C1"))
	a.handleFrame(chatFrame(3, "alice", "second", "C1"))

	first := receive(t, a)
	second := receive(t, a)
	require.NotNil(t, first.Message)
	require.NotNil(t, second.Message)
	assert.Equal(t, "first", first.Message.Message)
	assert.Equal(t, "second", second.Message.Message)

	assertNoMessage(t, a)
	assert.Len(t, slow.send, 1, "expected the full queue to be left untouched")
}

func TestBroadcast_persistenceFailure(t *testing.T) {
	failing := appenderFunc(func(context.Context, chat.AppendParams) (types.ChatMessage, error) {
		return types.ChatMessage{}, &chat.PersistenceError{Op: "append message", Err: errors.New("db down")}
	})
	cs, err := NewChatServer(testutil.TestLogger(t), failing, nil, newTestStats(), false)
	require.NoError(t, err)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	a.handleFrame(bindFrame(1, "C1", "alice"))
	b.handleFrame(bindFrame(1, "C1", "bob"))

	a.handleFrame(chatFrame(7, "alice", "lost", "C1"))

	msg := receive(t, a)
	require.NotNil(t, msg.Response)
	assert.Equal(t, 7, msg.Id)
	assert.Equal(t, 500, msg.Response.ResponseCode)
	assert.Nil(t, msg.Message)
	assertNoMessage(t, b)
}

func TestBroadcast_validation(t *testing.T) {
	var calls int
	appender := appenderFunc(func(context.Context, chat.AppendParams) (types.ChatMessage, error) {
		calls++
		return types.ChatMessage{}, nil
	})
	cs, err := NewChatServer(testutil.TestLogger(t), appender, nil, newTestStats(), false)
	require.NoError(t, err)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	a.handleFrame(chatFrame(3, "bob", "", "C1"))

	msg := receive(t, a)
	require.NotNil(t, msg.Response)
	assert.Equal(t, 3, msg.Id)
	assert.Equal(t, 400, msg.Response.ResponseCode)
	assert.Equal(t, "message or fileUrl is required", msg.Response.Error)
	assert.Zero(t, calls, "expected nothing to be persisted")
	assert.Nil(t, cs.getRoom("C1"), "expected no room to be loaded for an invalid event")
}

func TestBroadcast_ordering(t *testing.T) {
	cs, log := newTestChatServer(t)
	runChatServer(t, cs)

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	c := newTestClient(t, cs)
	a.handleFrame(bindFrame(1, "C1", "alice"))
	b.handleFrame(bindFrame(1, "C1", "bob"))
	c.handleFrame(bindFrame(1, "C1", "carol"))

	const n = 50
	var wg sync.WaitGroup
	for _, sender := range []*Client{a, c} {
		wg.Add(1)
		go func(sender *Client) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				sender.handleFrame(chatFrame(i+2, "user", sender.id+"-"+strconv.Itoa(i), "C1"))
			}
		}(sender)
	}
	wg.Wait()

	received := make([]string, 0, 2*n)
	for i := 0; i < 2*n; i++ {
		msg := receive(t, b)
		require.NotNil(t, msg.Message)
		received = append(received, msg.Message.Id)
	}

	all, err := log.ListAll(context.Background())
	require.NoError(t, err)
	logged := make([]string, 0, len(all))
	for _, m := range all {
		logged = append(logged, m.Id)
	}
	assert.Equal(t, logged, received, "expected recipients to observe log order")

	// per-sender order is preserved
	next := map[string]int{a.id: 0, c.id: 0}
	for _, m := range all {
		for id := range next {
			if m.Message == id+"-"+strconv.Itoa(next[id]) {
				next[id]++
			}
		}
	}
	assert.Equal(t, n, next[a.id])
	assert.Equal(t, n, next[c.id])
}

func TestChatServer_unloadRoom(t *testing.T) {
	t.Run("room loaded for an event unloads when idle", func(t *testing.T) {
		cs, _ := newTestChatServer(t)
		cs.idleTimeout = 20 * time.Millisecond
		runChatServer(t, cs)

		a := newTestClient(t, cs)
		a.handleFrame(chatFrame(1, "alice", "hello?", "C9"))

		assert.Eventually(t, func() bool {
			return cs.getRoom("C9") == nil
		}, time.Second, 10*time.Millisecond, "expected idle room to be unloaded")
	})

	t.Run("bound room stays loaded", func(t *testing.T) {
		cs, _ := newTestChatServer(t)
		cs.idleTimeout = 20 * time.Millisecond
		runChatServer(t, cs)

		a := newTestClient(t, cs)
		require.NoError(t, cs.bind(context.Background(), a, "C1", "alice"))

		time.Sleep(100 * time.Millisecond)
		assert.NotNil(t, cs.getRoom("C1"), "expected room with clients to stay loaded")

		cs.unbind(a)
		assert.Eventually(t, func() bool {
			return cs.getRoom("C1") == nil
		}, time.Second, 10*time.Millisecond, "expected room to unload after last client left")
	})

	t.Run("rebinding after unload loads a fresh room", func(t *testing.T) {
		cs, _ := newTestChatServer(t)
		cs.idleTimeout = 20 * time.Millisecond
		runChatServer(t, cs)

		a := newTestClient(t, cs)
		require.NoError(t, cs.bind(context.Background(), a, "C1", "alice"))
		first := a.room
		cs.unbind(a)

		select {
		case <-first.done:
		case <-time.After(time.Second):
			t.Fatal("expected room loop to exit")
		}

		b := newTestClient(t, cs)
		require.NoError(t, cs.bind(context.Background(), b, "C1", "bob"))
		assert.NotSame(t, first, b.room)
		assert.ElementsMatch(t, []*Client{b}, cs.recipientsFor("C1"))
	})

	t.Run("not idle while events are pending", func(t *testing.T) {
		cs, _ := newTestChatServer(t)
		r := newRoom("C1", cs)
		cs.rooms["C1"] = r
		r.clientMsgChan <- &ClientMessage{}

		assert.False(t, cs.unloadRoom(r))
		assert.Same(t, r, cs.getRoom("C1"))

		<-r.clientMsgChan
		assert.True(t, cs.unloadRoom(r))
		assert.Nil(t, cs.getRoom("C1"))
	})
}

func TestChatServer_routeQueueFull(t *testing.T) {
	cs, _ := newTestChatServer(t)
	r := newRoom("C1", cs)
	r.clientMsgChan = make(chan *ClientMessage)
	cs.rooms["C1"] = r

	err := cs.route(&ClientMessage{Chat: &Chat{Username: "alice", Message: "hi", RoomCode: "C1"}})
	assert.ErrorIs(t, err, errRoomBusy)
}
