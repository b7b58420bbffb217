package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chimpflow/internal/runtime/graphql"
	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
)

// serverSession is handed to each test script after the upgrade.
type serverSession struct {
	t      *testing.T
	conn   *websocket.Conn
	header http.Header
}

func (s *serverSession) read() wireMessage {
	s.t.Helper()
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return wireMessage{Type: "read-error: " + err.Error()}
	}
	var msg wireMessage
	require.NoError(s.t, jsoncodec.Unmarshal(data, &msg))
	return msg
}

func (s *serverSession) send(msg wireMessage) {
	data, err := jsoncodec.Marshal(msg)
	require.NoError(s.t, err)
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *serverSession) sendRaw(raw string) {
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

// handshake accepts connection_init and returns the subscribe message.
func (s *serverSession) handshake() wireMessage {
	init := s.read()
	require.Equal(s.t, msgConnectionInit, init.Type)
	s.send(wireMessage{Type: msgConnectionAck})
	sub := s.read()
	require.Equal(s.t, msgSubscribe, sub.Type)
	return sub
}

func newServer(t *testing.T, script func(s *serverSession)) string {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(&serverSession{t: t, conn: conn, header: r.Header})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextPayload(plate uuid.UUID, well int, url string) []byte {
	data, _ := jsoncodec.Marshal(map[string]any{
		"data": map[string]any{
			"imageCreated": map[string]any{"plate": plate.String(), "well": well, "downloadUrl": url},
		},
	})
	return data
}

func TestDialAndReceiveEvents(t *testing.T) {
	plate := uuid.New()
	received := make(chan wireMessage, 1)
	var authHeader string

	url := newServer(t, func(s *serverSession) {
		authHeader = s.header.Get("Authorization")
		init := s.read()
		received <- init
		s.send(wireMessage{Type: msgConnectionAck})

		sub := s.read()
		var req graphql.Request
		require.NoError(t, jsoncodec.Unmarshal(sub.Payload, &req))
		assert.Equal(t, ImageCreatedQuery, req.Query)

		s.send(wireMessage{ID: sub.ID, Type: msgNext, Payload: nextPayload(plate, 3, "https://images.local/3.jpg")})
		s.send(wireMessage{ID: sub.ID, Type: msgNext, Payload: nextPayload(plate, 4, "https://images.local/4.jpg")})
		s.read() // wait for complete from Close
	})

	client, err := Dial(context.Background(), Config{URL: url, AuthToken: "secret"}, nil)
	require.NoError(t, err)
	defer client.Close()

	init := <-received
	assert.Contains(t, string(init.Payload), "Bearer secret")
	assert.Equal(t, "Bearer secret", authHeader)

	first, err := client.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ImageCreated{Plate: plate, Well: 3, DownloadURL: "https://images.local/3.jpg"}, first)

	second, err := client.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(4), second.Well)
}

func TestPingIsAnsweredTransparently(t *testing.T) {
	plate := uuid.New()
	pong := make(chan string, 1)

	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		s.send(wireMessage{Type: msgPing})
		pong <- s.read().Type
		s.send(wireMessage{ID: sub.ID, Type: msgNext, Payload: nextPayload(plate, 1, "u")})
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	event, err := client.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plate, event.Plate)
	assert.Equal(t, msgPong, <-pong)
}

func TestNextWithErrorsIsGraphQLError(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		s.sendRaw(`{"id":"` + sub.ID + `","type":"next","payload":{"data":null,"errors":[{"message":"unauthorized"}]}}`)
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.NextEvent(context.Background())
	var gqlErr *GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	assert.Equal(t, "unauthorized", gqlErr.Errors[0].Message)

	// terminal
	_, again := client.NextEvent(context.Background())
	assert.Equal(t, err, again)
}

func TestErrorMessageIsGraphQLError(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		s.sendRaw(`{"id":"` + sub.ID + `","type":"error","payload":[{"message":"bad document"}]}`)
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.NextEvent(context.Background())
	var gqlErr *GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	assert.Contains(t, err.Error(), "bad document")
}

func TestCompleteEndsStream(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		s.send(wireMessage{ID: sub.ID, Type: msgComplete})
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.NextEvent(context.Background())
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.True(t, errors.Is(err, ErrStreamClosed))
}

func TestServerDisconnectEndsStream(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		s.handshake()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.NextEvent(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestMessagesForOtherOperationsAreIgnored(t *testing.T) {
	plate := uuid.New()
	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		s.send(wireMessage{ID: "someone-else", Type: msgComplete})
		s.send(wireMessage{ID: sub.ID, Type: msgNext, Payload: nextPayload(plate, 9, "u")})
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	event, err := client.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(9), event.Well)
}

func TestAckTimeout(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		s.read()
		time.Sleep(500 * time.Millisecond)
	})

	_, err := Dial(context.Background(), Config{URL: url, AckTimeout: 50 * time.Millisecond}, nil)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Contains(t, streamErr.Reason, "connection_ack")
}

func TestUnexpectedHandshakeMessage(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		s.read()
		s.send(wireMessage{Type: msgNext})
	})

	_, err := Dial(context.Background(), Config{URL: url}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unexpected "next" message`)
}

func TestNextEventHonoursContext(t *testing.T) {
	url := newServer(t, func(s *serverSession) {
		s.handshake()
		s.read()
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.NextEvent(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseSendsComplete(t *testing.T) {
	completed := make(chan wireMessage, 1)
	url := newServer(t, func(s *serverSession) {
		sub := s.handshake()
		msg := s.read()
		assert.Equal(t, sub.ID, msg.ID)
		completed <- msg
	})

	client, err := Dial(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	select {
	case msg := <-completed:
		assert.Equal(t, msgComplete, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw complete")
	}
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDialRejectsMissingSubprotocol(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-protocol")
}
