package websocket

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startFrame = `{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","streamSid":"MZ1","customParameters":{"sessionId":"s1"}}}`

func awaitAttach(t *testing.T, calls *fakeCalls) attachRequest {
	t.Helper()
	select {
	case req := <-calls.attached:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("telephony leg was not attached")
		return attachRequest{}
	}
}

func awaitClosed(t *testing.T, calls *fakeCalls) string {
	t.Helper()
	select {
	case id := <-calls.closed:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("telephony leg was not torn down")
		return ""
	}
}

func TestMediaStream_StartMediaStop(t *testing.T) {
	calls := newFakeCalls()
	_, srv := newTestServer(t, calls)
	conn := dial(t, srv, "/media-stream?sessionId=from-query")

	send(t, conn, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	// media before start has nowhere to go
	send(t, conn, `{"event":"media","streamSid":"MZ1","media":{"payload":"ZZZZ"}}`)
	send(t, conn, startFrame)

	req := awaitAttach(t, calls)
	assert.Equal(t, "s1", req.sessionID)
	assert.Equal(t, "CA1", req.callID)
	assert.True(t, req.socket.IsOpen())

	send(t, conn, `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"AAAA"}}`)
	select {
	case audio := <-calls.audio:
		assert.Equal(t, "s1", audio.sessionID)
		assert.Equal(t, "AAAA", audio.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("media was not forwarded")
	}

	require.NoError(t, req.socket.SendMedia("BBBB"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var outbound MediaStreamMessage
	require.NoError(t, conn.ReadJSON(&outbound))
	assert.Equal(t, MediaEventMedia, outbound.Event)
	assert.Equal(t, "MZ1", outbound.StreamSid)
	require.NotNil(t, outbound.Media)
	assert.Equal(t, "BBBB", outbound.Media.Payload)

	send(t, conn, `{"event":"stop","streamSid":"MZ1"}`)
	assert.Equal(t, "s1", awaitClosed(t, calls))
	assert.False(t, req.socket.IsOpen())
	assert.Error(t, req.socket.SendMedia("CCCC"))
}

func TestMediaStream_DisconnectTearsDown(t *testing.T) {
	calls := newFakeCalls()
	_, srv := newTestServer(t, calls)
	conn := dial(t, srv, "/media-stream")

	send(t, conn, startFrame)
	awaitAttach(t, calls)

	conn.Close()
	assert.Equal(t, "s1", awaitClosed(t, calls))
}

func TestMediaStream_AttachFailureClosesSocket(t *testing.T) {
	calls := newFakeCalls()
	calls.attachErr = errors.New("speech engine down")
	_, srv := newTestServer(t, calls)
	conn := dial(t, srv, "/media-stream")

	send(t, conn, startFrame)
	awaitAttach(t, calls)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	select {
	case id := <-calls.closed:
		t.Fatalf("unexpected teardown for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolveSessionID(t *testing.T) {
	tests := []struct {
		name      string
		start     MediaStreamStart
		streamSid string
		query     string
		want      string
	}{
		{
			name:  "custom parameter wins",
			start: MediaStreamStart{StreamSid: "MZ1", CustomParameters: map[string]string{"sessionId": "s1"}},
			query: "q1",
			want:  "s1",
		},
		{
			name:  "query parameter next",
			start: MediaStreamStart{StreamSid: "MZ1"},
			query: "q1",
			want:  "q1",
		},
		{
			name:  "stream sid last",
			start: MediaStreamStart{StreamSid: "MZ1"},
			want:  "MZ1",
		},
		{
			name:      "envelope stream sid when start has none",
			start:     MediaStreamStart{},
			streamSid: "MZ2",
			want:      "MZ2",
		},
		{
			name: "nothing",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := tt.start
			assert.Equal(t, tt.want, resolveSessionID(&start, tt.streamSid, tt.query))
		})
	}
}
