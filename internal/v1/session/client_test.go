package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tinchat/server/internal/v1/types"
)

// mockConn is a scripted wsConnection. Reads serve the queued frames in
// order, then block briefly and fail the way a closed socket would.
type mockConn struct {
	mu        sync.Mutex
	reads     [][]byte
	readIndex int
	written   [][]byte
	closed    bool
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if m.readIndex >= len(m.reads) {
		m.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return 0, nil, websocket.ErrCloseSent
	}
	data := m.reads[m.readIndex]
	m.readIndex++
	m.mu.Unlock()
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) SetReadDeadline(t time.Time) error { return nil }

func (m *mockConn) SetReadLimit(limit int64) {}

func (m *mockConn) SetPongHandler(h func(string) error) {}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func rawFrame(t *testing.T, event, payload string) []byte {
	t.Helper()
	data, err := json.Marshal(inboundFrame{Event: event, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return data
}

func TestReadPumpDispatchesThenDisconnects(t *testing.T) {
	m := newTestManager(t)

	conn := &mockConn{reads: [][]byte{
		rawFrame(t, "findPartner", `{"chatType":"text","interests":["go"]}`),
	}}
	c := newClient(conn, m, "s1")
	m.attach(context.Background(), c, nil, types.ChatTypeText)
	require.Equal(t, 1, m.Stats().Sessions)

	c.readPump(context.Background())

	// The find ran, then the scripted close tore the socket down and
	// with it the queue entry.
	assert.Equal(t, 0, m.Stats().Sessions)
	assert.Equal(t, 0, m.matcher.Depth(types.ChatTypeText))
	_, open := <-c.send
	assert.False(t, open)
}

func TestReadPumpRejectsMalformedFrames(t *testing.T) {
	m := newTestManager(t)

	conn := &mockConn{reads: [][]byte{[]byte("{not json")}}
	c := newClient(conn, m, "s1")
	m.attach(context.Background(), c, nil, types.ChatTypeText)

	c.readPump(context.Background())

	f := decodeFrame(t, <-c.send)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, f.Error, "malformed JSON")
}

func TestReadPumpThrottlesFloods(t *testing.T) {
	m := newTestManager(t)

	reads := make([][]byte, 0, 30)
	for i := 0; i < 30; i++ {
		reads = append(reads, rawFrame(t, "statusUpdate", `{"status":"idle"}`))
	}
	conn := &mockConn{reads: reads}
	c := newClient(conn, m, "s1")
	c.limiter = rate.NewLimiter(rate.Limit(1), 2)
	m.attach(context.Background(), c, nil, types.ChatTypeText)

	c.readPump(context.Background())

	throttled := 0
	for {
		data, ok := <-c.send
		if !ok {
			break
		}
		if f := decodeFrame(t, data); f.Event == EventError && f.Error == "rate: too many events" {
			throttled++
		}
	}
	assert.GreaterOrEqual(t, throttled, 25)
}

func TestReadPumpDropsSustainedFlood(t *testing.T) {
	m := newTestManager(t)

	total := maxThrottleStrikes * 3
	reads := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		reads = append(reads, rawFrame(t, "statusUpdate", `{"status":"idle"}`))
	}
	conn := &mockConn{reads: reads}
	c := newClient(conn, m, "s1")
	c.limiter = rate.NewLimiter(rate.Limit(1), 1)
	m.attach(context.Background(), c, nil, types.ChatTypeText)

	c.readPump(context.Background())

	// The pump struck out long before the script ran dry.
	conn.mu.Lock()
	consumed := conn.readIndex
	conn.mu.Unlock()
	assert.Less(t, consumed, total)
	assert.Equal(t, 0, m.Stats().Sessions)
}

func TestWritePumpFlushesQueuedFramesOnClose(t *testing.T) {
	conn := &mockConn{}
	c := newClient(conn, nil, "s1")

	c.deliver(eventFrame(EventPartnerLeft, roomRef{RoomID: "r1"}))
	c.deliver(errorFrame("socket: going away"))
	c.close()

	c.writePump()

	// Two frames, then the close frame.
	require.Equal(t, 3, conn.writeCount())
	f := decodeFrame(t, conn.written[0])
	assert.Equal(t, EventPartnerLeft, f.Event)
	assert.True(t, conn.isClosed())
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	c := newClient(&mockConn{}, nil, "s1")
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte("{}")
	}

	done := make(chan struct{})
	go func() {
		c.deliver(errorFrame("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a full buffer")
	}
	assert.Len(t, c.send, sendBuffer)
}

func TestClientCloseIdempotent(t *testing.T) {
	c := newClient(&mockConn{}, nil, "s1")
	c.close()
	assert.NotPanics(t, func() { c.close() })
}
