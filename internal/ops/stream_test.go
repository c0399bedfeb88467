package ops

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/events"
)

func TestWebsocketStreamsFilteredEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?events=" + events.TaskCreated
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes after the handshake; wait for it before
	// publishing or the events race past the subscription.
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() > 0
	}, time.Second, 5*time.Millisecond)

	// Both publish in order; only the subscribed type arrives.
	f.bus.Emit(events.FraudDetected, "verifier", "w-1", map[string]interface{}{"risk": 0.9})
	f.bus.Emit(events.TaskCreated, "verifier", "t-1", map[string]interface{}{"task_type": "SENTIMENT_ANALYSIS"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.CloudEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, events.TaskCreated, ev.Type)
	assert.Equal(t, "t-1", ev.Subject)
}

func TestWebsocketClientDisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() > 0
	}, time.Second, 5*time.Millisecond)

	conn.Close()

	// The read pump notices the close and unsubscribes.
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/v1/events/stream?events=" + events.VerificationCompleted)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The connected preamble arrives only after the subscription is
	// registered, so emitting after this read cannot race it.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	f.bus.Emit(events.VerificationCompleted, "verifier", "t-9", map[string]interface{}{"status": "COMPLETED"})

	var dataLine string
	for {
		l, rerr := reader.ReadString('\n')
		require.NoError(t, rerr)
		if strings.HasPrefix(l, "event: "+events.VerificationCompleted) {
			dataLine, rerr = reader.ReadString('\n')
			require.NoError(t, rerr)
			break
		}
	}
	assert.Contains(t, dataLine, `"subject":"t-9"`)
}
