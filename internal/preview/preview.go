// Package preview streams live audio to a websocket speech recognizer for
// the instant on-screen transcript.
package preview

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/gorilla/websocket"

	"github.com/tiroq/scribe/internal/diaglog"
)

// ErrDisabled is returned by Run when no preview URL is configured.
var ErrDisabled = errors.New("preview: disabled")

// Config configures the preview stream.
type Config struct {
	URL         string // ws:// or wss:// endpoint; empty disables preview
	Token       string
	SampleRate  int
	DialTimeout time.Duration
}

// Result is one recognizer message.
type Result struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// Client streams PCM frames and reports transcripts.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	diagMu sync.RWMutex
	diag   *diaglog.Logger
}

// New creates a preview client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

// SetDiagLogger injects the diagnostic trail.
func (c *Client) SetDiagLogger(l *diaglog.Logger) {
	c.diagMu.Lock()
	c.diag = l
	c.diagMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.diagMu.RLock()
	l := c.diag
	c.diagMu.RUnlock()
	entry.Component = diaglog.ComponentPreview
	l.Log(entry)
}

// Enabled reports whether a preview endpoint is configured.
func (c *Client) Enabled() bool { return c.cfg.URL != "" }

func (c *Client) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse preview url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("encoding", "linear16")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and streams frames until ctx is cancelled or frames is
// closed. Every recognizer message is passed to onResult from the reader
// goroutine. A clean shutdown returns nil.
func (c *Client) Run(ctx context.Context, sessionID string, frames <-chan *goaudio.IntBuffer, onResult func(Result)) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	endpoint, err := c.endpoint(sessionID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		c.log(diaglog.LogEntry{Event: diaglog.EventPreviewConnect, SessionID: sessionID, Reason: err.Error()})
		return fmt.Errorf("connect preview: %w", err)
	}
	defer conn.Close()
	c.logger.Info("preview connected", "session", sessionID)
	c.log(diaglog.LogEntry{Event: diaglog.EventPreviewConnect, SessionID: sessionID})

	readErr := make(chan error, 1)
	go func() { readErr <- c.listen(conn, onResult) }()

	sent := 0
	defer func() {
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventPreviewDisconnect,
			SessionID: sessionID,
			Payload:   map[string]interface{}{"frames": sent},
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return c.closeNormal(conn, readErr)
		case err := <-readErr:
			if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("preview read: %w", err)
		case buf, ok := <-frames:
			if !ok {
				return c.closeNormal(conn, readErr)
			}
			if buf == nil || len(buf.Data) == 0 {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, encodePCM16(buf.Data)); err != nil {
				return fmt.Errorf("preview write: %w", err)
			}
			sent++
		}
	}
}

// listen reads recognizer messages until the connection closes.
func (c *Client) listen(conn *websocket.Conn, onResult func(Result)) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var r Result
		if err := json.Unmarshal(msg, &r); err != nil {
			c.logger.Debug("preview message ignored", "error", err)
			continue
		}
		if onResult != nil && r.Transcript != "" {
			onResult(r)
		}
	}
}

// closeNormal sends a close frame and waits briefly for the server to
// acknowledge, so trailing finals are still delivered.
func (c *Client) closeNormal(conn *websocket.Conn, readErr <-chan error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return nil
	}
	select {
	case <-readErr:
	case <-time.After(time.Second):
	}
	return nil
}

// encodePCM16 packs samples as little-endian signed 16-bit PCM.
func encodePCM16(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}
