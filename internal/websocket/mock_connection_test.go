package websocket

import (
	"errors"
	"sync"
	"time"
)

// mockFrame is one frame read from or written to a mock connection.
type mockFrame struct {
	messageType int
	data        []byte
}

// mockConn implements Connection in memory for pump tests.
type mockConn struct {
	mu sync.Mutex

	readCh  chan mockFrame
	written []mockFrame
	closed  bool

	writeErr          error
	readDeadlineCalls int
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan mockFrame, 8)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-m.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return frame.messageType, frame.data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, mockFrame{messageType: messageType, data: buf})
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.readCh)
	}
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadlineCalls++
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)           {}
func (m *mockConn) SetPongHandler(h func(string) error) {}
func (m *mockConn) RemoteAddr() string                 { return "127.0.0.1:52000" }

func (m *mockConn) frames() []mockFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockFrame, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) deadlineCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readDeadlineCalls
}
