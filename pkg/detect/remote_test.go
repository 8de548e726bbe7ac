package detect

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inferenceServer answers every binary frame with reply(frame).
func inferenceServer(t *testing.T, reply func(frame []byte) string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply(msg))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRemoteModelRoundTrip(t *testing.T) {
	url := inferenceServer(t, func(frame []byte) string {
		if _, err := jpeg.Decode(bytes.NewReader(frame)); err != nil {
			return `{"error":"bad frame"}`
		}
		return `[{"class":"cup","score":0.87,"bbox":[1,2,3,4]},{"class":"cup","score":0.2,"bbox":[5,6,7,8]}]`
	})

	a := NewAdapter(DialRemote(url, RemoteOptions{Timeout: 2 * time.Second}), nil)
	require.NoError(t, a.Load(context.Background()))
	defer a.Close()

	got, err := a.Detect(context.Background(), frame())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Detection{Label: "cup", Confidence: 0.87, BBox: [4]float64{1, 2, 3, 4}}, got[0])
}

func TestRemoteModelServerError(t *testing.T) {
	url := inferenceServer(t, func([]byte) string { return `{"error":"model crashed"}` })

	m := NewRemoteModel(url, RemoteOptions{Timeout: 2 * time.Second})
	defer m.Close()

	_, err := m.Detect(context.Background(), frame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
}

func TestDialRemoteFailure(t *testing.T) {
	loader := DialRemote("ws://127.0.0.1:1/ws", RemoteOptions{Timeout: 500 * time.Millisecond})
	_, err := loader(context.Background())
	assert.Error(t, err)
}
