// Package fake provides a scripted, in-process StreamingClient that
// replays a fixed sequence of InboundMessage values instead of talking
// to a real speech service. It exists for the --fake-stt developer mode
// described in SPEC_FULL.md §12: exercising the full engine pipeline
// (C3-C6) without network access or an AssemblyAI credential.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// Client replays Script on Connect, spaced Delay apart, then idles.
// SendAudio is a no-op recorder; nothing consumes the audio itself.
type Client struct {
	Script []engine.InboundMessage
	Delay  time.Duration

	mu      sync.Mutex
	state   engine.ConnectionState
	inbound chan engine.InboundMessage
	sent    int

	cancel context.CancelFunc
}

// NewClient constructs a fake client that replays script, pacing each
// message delay apart (a zero delay emits the whole script immediately).
func NewClient(script []engine.InboundMessage, delay time.Duration) *Client {
	return &Client{
		Script:  script,
		Delay:   delay,
		state:   engine.ConnDisconnected,
		inbound: make(chan engine.InboundMessage, 32),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = engine.ConnOpen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.replay(runCtx)
	return nil
}

func (c *Client) replay(ctx context.Context) {
	for _, msg := range c.Script {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Delay):
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.state = engine.ConnDisconnected
	return nil
}

func (c *Client) SendAudio(samples []int16) error {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// FramesSent reports how many SendAudio calls have been recorded, so a
// demo harness can confirm audio is actually flowing.
func (c *Client) FramesSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Client) Inbound() <-chan engine.InboundMessage {
	return c.inbound
}

func (c *Client) State() engine.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

var _ engine.StreamingClient = (*Client)(nil)
