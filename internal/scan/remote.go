package scan

import (
	"context"
	"sync"
)

// RemoteCapture is the server side of a browser scanning station. The browser
// owns the camera and posts decoded payloads, which Deliver forwards while
// the stream is live.
type RemoteCapture struct {
	mu       sync.Mutex
	active   bool
	paused   bool
	frozen   bool
	facing   Facing
	cfg      CaptureConfig
	onDecode DecodeFunc
	onDrop   func()
}

// NewRemoteCapture returns an idle capture. onDrop, if set, is called for
// every payload that arrives while the stream is stopped or paused.
func NewRemoteCapture(onDrop func()) *RemoteCapture {
	return &RemoteCapture{onDrop: onDrop}
}

func (c *RemoteCapture) Start(ctx context.Context, facing Facing, cfg CaptureConfig, onDecode DecodeFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.paused = false
	c.frozen = false
	c.facing = facing
	c.cfg = cfg
	c.onDecode = onDecode
	return nil
}

func (c *RemoteCapture) Pause(freeze bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.paused = true
		c.frozen = freeze
	}
}

func (c *RemoteCapture) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNotActive
	}
	c.paused = false
	c.frozen = false
	return nil
}

func (c *RemoteCapture) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNotActive
	}
	c.active = false
	c.paused = false
	return nil
}

// Clear drops the decode callback.
func (c *RemoteCapture) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecode = nil
	c.active = false
}

// Deliver hands a decoded payload to the session. It reports false when the
// stream is stopped or paused, or when the session dropped the frame.
func (c *RemoteCapture) Deliver(payload string) bool {
	c.mu.Lock()
	fn := c.onDecode
	live := c.active && !c.paused
	c.mu.Unlock()
	if !live || fn == nil {
		if c.onDrop != nil {
			c.onDrop()
		}
		return false
	}
	return fn(payload)
}

// Status is what the station needs to render its camera view.
type Status struct {
	Active bool          `json:"active"`
	Paused bool          `json:"paused"`
	Frozen bool          `json:"frozen"`
	Facing Facing        `json:"facing,omitempty"`
	Config CaptureConfig `json:"config"`
}

func (c *RemoteCapture) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Active: c.active, Paused: c.paused, Frozen: c.frozen, Facing: c.facing, Config: c.cfg}
}
