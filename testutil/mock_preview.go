package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// PreviewMessage is one recognizer message sent by MockPreviewServer.
type PreviewMessage struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// MockPreviewServer simulates a streaming speech recognizer. After the
// n-th binary frame it sends the n-th scripted message, if any.
type MockPreviewServer struct {
	server *httptest.Server
	script []PreviewMessage

	mu        sync.Mutex
	frames    int
	bytes     int
	query     url.Values
	auth      string
	connected bool
	closed    bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockPreview starts a mock recognizer replying with script.
func NewMockPreview(script ...PreviewMessage) *MockPreviewServer {
	m := &MockPreviewServer{script: script}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	return m
}

// URL returns the ws:// endpoint.
func (m *MockPreviewServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close shuts the server down.
func (m *MockPreviewServer) Close() {
	m.server.Close()
}

func (m *MockPreviewServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.query = r.URL.Query()
	m.auth = r.Header.Get("Authorization")
	m.connected = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.mu.Lock()
				m.closed = true
				m.mu.Unlock()
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		m.mu.Lock()
		n := m.frames
		m.frames++
		m.bytes += len(data)
		m.mu.Unlock()

		if n < len(m.script) {
			if err := conn.WriteJSON(m.script[n]); err != nil {
				return
			}
		}
	}
}

// Frames returns the number of binary frames received.
func (m *MockPreviewServer) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Bytes returns the total payload received.
func (m *MockPreviewServer) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Query returns the query of the last connection.
func (m *MockPreviewServer) Query() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query
}

// Authorization returns the Authorization header of the last connection.
func (m *MockPreviewServer) Authorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth
}

// Connected reports whether a client is currently connected.
func (m *MockPreviewServer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ClosedNormally reports whether the client sent a normal close frame.
func (m *MockPreviewServer) ClosedNormally() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
