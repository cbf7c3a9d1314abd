package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/session"
)

func dialLoads(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/loads"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	var msg WSMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestWebSocketPushesLoadStatus(t *testing.T) {
	s := newTestServer(t, nil)
	ws := dialLoads(t, s)

	hello := readMessage(t, ws)
	require.Equal(t, MsgTypeConnected, hello.Type)
	assert.JSONEq(t, `[]`, string(hello.Payload))

	setID := s.store.AddSet("arm", map[string]string{"arm.urdf": armURDF})
	started, err := s.loads.StartLoad(context.Background(), session.LoadRequest{FileSetID: setID, Entry: "arm.urdf"})
	require.NoError(t, err)

	for {
		msg := readMessage(t, ws)
		require.Equal(t, MsgTypeLoadStatus, msg.Type)
		assert.Equal(t, started.ID, msg.ID)
		var load models.LoadSession
		require.NoError(t, json.Unmarshal(msg.Payload, &load))
		if load.Status == models.LoadStatusComplete {
			assert.Equal(t, 2, load.LinkCount)
			return
		}
		require.NotEqual(t, models.LoadStatusError, load.Status, load.Error)
	}
}

func TestWebSocketPingAndUnknownType(t *testing.T) {
	s := newTestServer(t, nil)
	ws := dialLoads(t, s)
	readMessage(t, ws)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypePing, ID: "p1"}))
	pong := readMessage(t, ws)
	assert.Equal(t, MsgTypePong, pong.Type)
	assert.Equal(t, "p1", pong.ID)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "upload:init"}))
	errMsg := readMessage(t, ws)
	assert.Equal(t, MsgTypeError, errMsg.Type)
	assert.Contains(t, string(errMsg.Payload), "INVALID_TYPE")
}
