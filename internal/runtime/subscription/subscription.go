// Package subscription streams imageCreated events from the targeting service
// over the graphql-transport-ws websocket protocol.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drblury/chimpflow/internal/runtime/graphql"
	"github.com/drblury/chimpflow/internal/runtime/ids"
	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chimpflow/internal/runtime/logging"
)

// Subprotocol is the websocket sub-protocol negotiated with the server.
const Subprotocol = "graphql-transport-ws"

// ImageCreatedQuery is the subscription document sent after the handshake.
const ImageCreatedQuery = `subscription ImageCreated { imageCreated { plate well downloadUrl } }`

const (
	DefaultAckTimeout   = 10 * time.Second
	writeTimeout        = 5 * time.Second
	handshakeTimeout    = 10 * time.Second
	closeMessageTimeout = time.Second
)

// Message types of the graphql-transport-ws protocol.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// ErrStreamClosed is wrapped by every *StreamError.
var ErrStreamClosed = errors.New("event stream closed")

// StreamError ends the event sequence: the server completed the subscription
// or the socket failed.
type StreamError struct {
	Reason string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription stream closed: %s: %v", e.Reason, e.Err)
	}
	return "subscription stream closed: " + e.Reason
}

func (e *StreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrStreamClosed, e.Err}
	}
	return []error{ErrStreamClosed}
}

// GraphQLError carries errors reported by the server for the subscription.
type GraphQLError struct {
	Errors []graphql.ErrorEntry
}

func (e *GraphQLError) Error() string {
	return "subscription returned errors: " + graphql.JoinMessages(e.Errors)
}

// ImageCreated is one upstream event.
type ImageCreated struct {
	Plate       uuid.UUID `json:"plate"`
	Well        int32     `json:"well"`
	DownloadURL string    `json:"downloadUrl"`
}

type Config struct {
	URL       string
	AuthToken string
	// AckTimeout bounds the wait for connection_ack. Defaults to DefaultAckTimeout.
	AckTimeout time.Duration
	// Dialer overrides the websocket dialer; the sub-protocol is always set.
	Dialer *websocket.Dialer
}

type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type frame struct {
	msg wireMessage
	err error
}

type imageCreatedData struct {
	ImageCreated *ImageCreated `json:"imageCreated"`
}

// Client is a single subscription on one websocket. NextEvent must be called
// from one goroutine at a time.
type Client struct {
	conn   *websocket.Conn
	id     string
	logger logging.ServiceLogger

	frames chan frame
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	terminal  error
}

// Dial connects, completes the connection_init handshake and subscribes to
// imageCreated.
func Dial(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, &StreamError{Reason: "dial", Err: errors.New("subscription URL is required")}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if cfg.Dialer != nil {
		dialer = *cfg.Dialer
	}
	dialer.Subprotocols = []string{Subprotocol}

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &StreamError{Reason: "dial", Err: err}
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close()
		return nil, &StreamError{Reason: "dial", Err: fmt.Errorf("server negotiated sub-protocol %q", conn.Subprotocol())}
	}

	c := &Client{
		conn:   conn,
		id:     ids.CreateULID(),
		frames: make(chan frame),
		done:   make(chan struct{}),
	}
	c.logger = logger.With(logging.LogFields{"subscription_id": c.id})

	if err := c.handshake(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.write(wireMessage{ID: c.id, Type: msgSubscribe, Payload: mustJSON(graphql.Request{
		Query:         ImageCreatedQuery,
		OperationName: "ImageCreated",
	})}); err != nil {
		_ = conn.Close()
		return nil, &StreamError{Reason: "subscribe", Err: err}
	}

	go c.readLoop()

	c.logger.Info("Subscribed to imageCreated", nil)
	return c, nil
}

func (c *Client) handshake(cfg Config) error {
	var payload json.RawMessage
	if cfg.AuthToken != "" {
		payload = mustJSON(map[string]string{"Authorization": "Bearer " + cfg.AuthToken})
	}
	if err := c.write(wireMessage{Type: msgConnectionInit, Payload: payload}); err != nil {
		return &StreamError{Reason: "connection_init", Err: err}
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.AckTimeout)); err != nil {
		return &StreamError{Reason: "connection_init", Err: err}
	}
	for {
		msg, err := c.read()
		if err != nil {
			return &StreamError{Reason: "waiting for connection_ack", Err: err}
		}
		switch msg.Type {
		case msgConnectionAck:
			return c.conn.SetReadDeadline(time.Time{})
		case msgPing:
			if err := c.write(wireMessage{Type: msgPong}); err != nil {
				return &StreamError{Reason: "connection_init", Err: err}
			}
		default:
			return &StreamError{Reason: "waiting for connection_ack", Err: fmt.Errorf("unexpected %q message", msg.Type)}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		msg, err := c.read()
		if err == nil && msg.Type == msgPing {
			err = c.write(wireMessage{Type: msgPong})
			if err == nil {
				continue
			}
		}
		select {
		case c.frames <- frame{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) read() (wireMessage, error) {
	var msg wireMessage
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := jsoncodec.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid frame: %w", err)
	}
	return msg, nil
}

func (c *Client) write(msg wireMessage) error {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NextEvent blocks until the server pushes the next event. *GraphQLError and
// *StreamError are terminal: every later call returns the same error.
func (c *Client) NextEvent(ctx context.Context) (ImageCreated, error) {
	if c.terminal != nil {
		return ImageCreated{}, c.terminal
	}
	for {
		select {
		case <-ctx.Done():
			return ImageCreated{}, ctx.Err()
		case f, ok := <-c.frames:
			if !ok {
				return ImageCreated{}, c.fail(&StreamError{Reason: "connection closed"})
			}
			if f.err != nil {
				return ImageCreated{}, c.fail(&StreamError{Reason: "read", Err: f.err})
			}
			event, done, err := c.handle(f.msg)
			if err != nil {
				return ImageCreated{}, c.fail(err)
			}
			if done {
				return event, nil
			}
		}
	}
}

func (c *Client) handle(msg wireMessage) (ImageCreated, bool, error) {
	if msg.ID != "" && msg.ID != c.id {
		c.logger.Debug("Ignoring message for unknown operation", logging.LogFields{"operation_id": msg.ID, "type": msg.Type})
		return ImageCreated{}, false, nil
	}

	switch msg.Type {
	case msgNext:
		var resp graphql.Response
		if err := jsoncodec.Unmarshal(msg.Payload, &resp); err != nil {
			return ImageCreated{}, false, &StreamError{Reason: "invalid next payload", Err: err}
		}
		if len(resp.Errors) > 0 {
			return ImageCreated{}, false, &GraphQLError{Errors: resp.Errors}
		}
		if !resp.HasData() {
			return ImageCreated{}, false, &GraphQLError{Errors: []graphql.ErrorEntry{{Message: "next message without data"}}}
		}
		var data imageCreatedData
		if err := jsoncodec.Unmarshal(resp.Data, &data); err != nil {
			return ImageCreated{}, false, &StreamError{Reason: "invalid imageCreated data", Err: err}
		}
		if data.ImageCreated == nil {
			return ImageCreated{}, false, &GraphQLError{Errors: []graphql.ErrorEntry{{Message: "imageCreated is null"}}}
		}
		return *data.ImageCreated, true, nil
	case msgError:
		var entries []graphql.ErrorEntry
		if err := jsoncodec.Unmarshal(msg.Payload, &entries); err != nil {
			entries = []graphql.ErrorEntry{{Message: string(msg.Payload)}}
		}
		return ImageCreated{}, false, &GraphQLError{Errors: entries}
	case msgComplete:
		return ImageCreated{}, false, &StreamError{Reason: "server completed subscription"}
	case msgPong:
		return ImageCreated{}, false, nil
	default:
		c.logger.Debug("Ignoring message", logging.LogFields{"type": msg.Type})
		return ImageCreated{}, false, nil
	}
}

func (c *Client) fail(err error) error {
	c.terminal = err
	c.logger.Error("Subscription ended", err, nil)
	return err
}

// Close completes the subscription and closes the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.write(wireMessage{ID: c.id, Type: msgComplete})
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeMessageTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func mustJSON(v any) json.RawMessage {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("subscription: marshal %T: %v", v, err))
	}
	return data
}
