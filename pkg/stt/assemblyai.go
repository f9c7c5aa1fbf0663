// Package stt implements C2 (§4.2): the WebSocket client for
// AssemblyAI's Streaming v3 speech-recognition service.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

const (
	defaultURL = "wss://streaming.assemblyai.com/v3/ws"

	connectTimeout  = 5 * time.Second
	heartbeatPeriod = 20 * time.Second

	backoffInitial = 500 * time.Millisecond
	backoffFactor  = 2
	backoffMax     = 10 * time.Second
	backoffJitter  = 0.2
	stableAfter    = 30 * time.Second
)

// Client is the AssemblyAI Streaming v3 client (C2). It owns the
// WebSocket connection's entire lifecycle, including the automatic
// reconnect-with-backoff described in §4.2: once Connect returns
// successfully, callers never need to call it again — a dropped
// connection is retried internally and a fresh Begin event simply
// reappears on Inbound() once the retry succeeds.
type Client struct {
	apiKey string
	url    string
	logger engine.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	stateMu sync.Mutex
	state   engine.ConnectionState

	inbound  chan engine.InboundMessage
	outbound chan []int16

	backoff time.Duration
	openAt  time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient constructs a Client authenticating with apiKey. url
// defaults to AssemblyAI's production Streaming v3 endpoint when empty.
func NewClient(apiKey, url string, logger engine.Logger) *Client {
	if url == "" {
		url = defaultURL
	}
	if logger == nil {
		logger = engine.NoOpLogger{}
	}
	return &Client{
		apiKey:   apiKey,
		url:      url,
		logger:   logger,
		state:    engine.ConnDisconnected,
		inbound:  make(chan engine.InboundMessage, 32),
		outbound: make(chan []int16, 64),
		backoff:  backoffInitial,
		closed:   make(chan struct{}),
	}
}

func (c *Client) setState(s engine.ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) State() engine.ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect dials the service and, on success, starts the background read
// and write loops. It blocks until the session is Open or a fatal error
// (most notably CredentialRejected) occurs (§4.2, §5's 5s connect
// timeout).
func (c *Client) Connect(ctx context.Context) error {
	c.setState(engine.ConnConnecting)
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := c.dial(dctx)
	if err != nil {
		c.setState(engine.ConnFailed)
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(engine.ConnOpen)
	c.openAt = time.Now()

	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	return nil
}

// dial performs one WebSocket handshake, classifying an authentication
// failure as a fatal CredentialRejected error and everything else as a
// retryable transport fault.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s?sample_rate=16000&format_turns=true", c.url)
	headers := http.Header{}
	headers.Set("Authorization", c.apiKey)

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &engine.EngineError{Kind: engine.ErrKindCredentialRejected, Err: err}
		}
		return nil, &engine.EngineError{Kind: engine.ErrKindTransportFault, Err: err}
	}
	return conn, nil
}

// Close performs the graceful shutdown described in §4.2: flush frames
// still queued for sending, signal end-of-stream, then close the socket
// with a normal-closure frame.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.setState(engine.ConnClosing)

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		c.setState(engine.ConnDisconnected)
		return nil
	}

	for flushed := false; !flushed; {
		select {
		case frame := <-c.outbound:
			_ = conn.Write(ctx, websocket.MessageBinary, int16ToBytes(frame))
		default:
			flushed = true
		}
	}

	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Terminate"}`))
	err := conn.Close(websocket.StatusNormalClosure, "")
	c.setState(engine.ConnDisconnected)
	return err
}

// SendAudio enqueues one PCM frame for the write loop, which packetizes
// it as a raw binary frame per §4.2's outbound contract (no header, no
// base64). Under backpressure the oldest queued frame is dropped rather
// than blocking the caller.
func (c *Client) SendAudio(samples []int16) error {
	select {
	case c.outbound <- samples:
		return nil
	default:
	}
	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- samples:
		return nil
	default:
		return engine.ErrTransportFault
	}
}

func (c *Client) Inbound() <-chan engine.InboundMessage {
	return c.inbound
}

func (c *Client) postInbound(msg engine.InboundMessage) {
	select {
	case c.inbound <- msg:
	case <-c.closed:
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			default:
			}
			c.logger.Warn("stt: read failed, reconnecting", "error", err)
			c.postInbound(engine.InboundMessage{Kind: engine.MsgError, ErrorCode: "transport_fault", ErrorMessage: err.Error()})
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		msg, ok := decodeWireMessage(data)
		if !ok {
			c.logger.Debug("stt: dropping malformed message")
			continue
		}
		c.postInbound(msg)
	}
}

// reconnect retries the connection with exponential backoff until it
// succeeds, the context is cancelled, or the server rejects credentials
// (fatal, no further retry). Returns false when the read loop should
// exit.
func (c *Client) reconnect(ctx context.Context) bool {
	c.setState(engine.ConnFailed)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.closed:
			return false
		default:
		}

		delay := jitter(c.backoff)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		case <-c.closed:
			return false
		}
		// The delay only returns to backoffInitial once a session stays
		// open for stableAfter (see writeLoop), so a connection that keeps
		// dropping right after opening keeps backing off.
		c.backoff = nextBackoff(c.backoff)

		conn, err := c.dial(ctx)
		if err != nil {
			var ee *engine.EngineError
			if asEngineError(err, &ee) && ee.Kind == engine.ErrKindCredentialRejected {
				c.postInbound(engine.InboundMessage{Kind: engine.MsgError, ErrorCode: "credential_rejected", ErrorMessage: err.Error()})
				return false
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.setState(engine.ConnOpen)
		c.openAt = time.Now()
		return true
	}
}

func asEngineError(err error, target **engine.EngineError) bool {
	ee, ok := err.(*engine.EngineError)
	if ok {
		*target = ee
	}
	return ok
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func (c *Client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	lastAudio := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return

		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, int16ToBytes(frame)); err != nil {
				c.logger.Warn("stt: write failed", "error", err)
				continue
			}
			lastAudio = time.Now()

			// Reset backoff once a session has survived the stability
			// window uninterrupted (§4.2).
			if time.Since(c.openAt) > stableAfter {
				c.backoff = backoffInitial
			}

		case <-ticker.C:
			if time.Since(lastAudio) < heartbeatPeriod {
				continue
			}
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.Ping(ctx); err != nil {
				c.logger.Warn("stt: heartbeat ping failed", "error", err)
			}
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// --- wire decoding ---

type wireWord struct {
	Text        string `json:"text"`
	WordIsFinal bool   `json:"word_is_final"`
	Start       *int   `json:"start,omitempty"`
	End         *int   `json:"end,omitempty"`
}

type wireMessage struct {
	Type            string     `json:"type"`
	ID              string     `json:"id"`
	Transcript      string     `json:"transcript"`
	Words           []wireWord `json:"words"`
	EndOfTurn       bool       `json:"end_of_turn"`
	TurnIsFormatted bool       `json:"turn_is_formatted"`
	Error           string     `json:"error"`
	Code            string     `json:"code"`
}

// decodeWireMessage ignores unknown fields, and reports ok=false for
// malformed JSON and unknown message types so the caller logs and drops
// them (§4.2, §6).
func decodeWireMessage(data []byte) (engine.InboundMessage, bool) {
	var raw wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return engine.InboundMessage{}, false
	}

	switch strings.ToLower(raw.Type) {
	case "begin":
		return engine.InboundMessage{Kind: engine.MsgBegin, SessionID: raw.ID}, true

	case "turn":
		words := make([]engine.TurnWord, 0, len(raw.Words))
		for _, w := range raw.Words {
			words = append(words, engine.TurnWord{
				Text:    w.Text,
				IsFinal: w.WordIsFinal,
				StartMs: w.Start,
				EndMs:   w.End,
			})
		}
		return engine.InboundMessage{
			Kind: engine.MsgTurn,
			Turn: engine.Turn{
				Transcript:      raw.Transcript,
				Words:           words,
				EndOfTurn:       raw.EndOfTurn,
				TurnIsFormatted: raw.TurnIsFormatted,
			},
		}, true

	case "termination":
		return engine.InboundMessage{Kind: engine.MsgTermination}, true

	case "error":
		return engine.InboundMessage{Kind: engine.MsgError, ErrorCode: raw.Code, ErrorMessage: raw.Error}, true

	default:
		if raw.Error != "" {
			return engine.InboundMessage{Kind: engine.MsgError, ErrorCode: raw.Code, ErrorMessage: raw.Error}, true
		}
		return engine.InboundMessage{}, false
	}
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

var _ engine.StreamingClient = (*Client)(nil)
