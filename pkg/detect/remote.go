package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteOptions tunes the websocket inference client.
type RemoteOptions struct {
	// Timeout bounds one frame round trip. Zero means 10 seconds.
	Timeout time.Duration
	// JPEGQuality is used to encode frames. Zero means 90.
	JPEGQuality int
	Header      http.Header
	Logger      *slog.Logger
}

// RemoteModel sends frames to an inference server over a websocket.
//
// Each Detect writes the frame as one binary JPEG message and reads one text message holding a
// JSON array of {"class","score","bbox"} objects, or {"error": "..."} when inference failed.
type RemoteModel struct {
	url    string
	opts   RemoteOptions
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRemoteModel returns an unconnected client; the first Detect dials.
func NewRemoteModel(url string, opts RemoteOptions) *RemoteModel {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RemoteModel{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.Timeout,
		},
	}
}

// DialRemote is a Loader that connects to the inference server at url.
func DialRemote(url string, opts RemoteOptions) Loader {
	return func(ctx context.Context) (Model, error) {
		m := NewRemoteModel(url, opts)
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.connectLocked(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (m *RemoteModel) connectLocked(ctx context.Context) error {
	m.opts.Logger.Debug("connecting to detection server", "url", m.url)
	conn, _, err := m.dialer.DialContext(ctx, m.url, m.opts.Header)
	if err != nil {
		return fmt.Errorf("dial detection server %s: %w", m.url, err)
	}
	m.conn = conn
	m.opts.Logger.Info("connected to detection server", "url", m.url)
	return nil
}

func (m *RemoteModel) dropLocked(cause error) {
	if m.conn == nil {
		return
	}
	m.opts.Logger.Warn("detection server connection lost", "url", m.url, "error", cause)
	m.conn.Close()
	m.conn = nil
}

type remoteError struct {
	Error string `json:"error"`
}

// Detect encodes img as JPEG and waits for the server's detections.
func (m *RemoteModel) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		if err := m.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(m.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		m.dropLocked(err)
		return nil, fmt.Errorf("send frame: %w", err)
	}

	_ = m.conn.SetReadDeadline(deadline)
	_, message, err := m.conn.ReadMessage()
	if err != nil {
		m.dropLocked(err)
		return nil, fmt.Errorf("read detections: %w", err)
	}

	message = bytes.TrimSpace(message)
	if len(message) > 0 && message[0] == '{' {
		var re remoteError
		if err := json.Unmarshal(message, &re); err == nil && re.Error != "" {
			return nil, fmt.Errorf("detection server: %s", re.Error)
		}
	}
	var detections []Detection
	if err := json.Unmarshal(message, &detections); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return detections, nil
}

// Close shuts the websocket down with a normal closure frame.
func (m *RemoteModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	closeErr := m.conn.Close()
	m.conn = nil
	if errors.Is(writeErr, websocket.ErrCloseSent) {
		writeErr = nil
	}
	return errors.Join(writeErr, closeErr)
}
