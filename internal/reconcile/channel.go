package reconcile

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	eventBuffer           = 64
)

type ChannelConfig struct {
	URL        string
	HTTPClient *http.Client
	Headers    map[string]string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Channel keeps one push stream open for as long as its context lives and delivers decoded
// events on Events. The stream may end and resume at any time; events carry absolute state so
// gaps are harmless.
type Channel struct {
	cfg    ChannelConfig
	events chan PushEvent

	mu        sync.Mutex
	connected bool
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Channel{
		cfg:    cfg,
		events: make(chan PushEvent, eventBuffer),
	}
}

// Events is closed when Run returns.
func (c *Channel) Events() <-chan PushEvent { return c.events }

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start runs the channel in its own goroutine.
func (c *Channel) Start(ctx context.Context) {
	go func() {
		if err := c.Run(ctx); err != nil {
			glog.Errorf("push channel stopped: %v", err)
		}
	}()
}

// Run subscribes until ctx is done, resubscribing whenever the stream ends.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		client := c.newClient(ctx)
		err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
			c.handle(ctx, msg)
		})
		if ctx.Err() != nil {
			return nil
		}
		c.setConnected(ctx, false)
		if err != nil {
			glog.Warningf("push stream %s: %v", c.cfg.URL, err)
		} else {
			glog.V(1).Infof("push stream %s ended; resubscribing", c.cfg.URL)
		}

		t := time.NewTimer(c.cfg.InitialBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Channel) newClient(ctx context.Context) *sse.Client {
	client := sse.NewClient(c.cfg.URL)
	client.Connection = c.cfg.HTTPClient
	for k, v := range c.cfg.Headers {
		client.Headers[k] = v
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	client.ReconnectStrategy = backoff.WithContext(exp, ctx)
	client.ReconnectNotify = func(err error, next time.Duration) {
		glog.V(1).Infof("push stream %s: %v; retrying in %s", c.cfg.URL, err, next)
	}
	client.OnConnect(func(*sse.Client) { c.setConnected(ctx, true) })
	client.OnDisconnect(func(*sse.Client) { c.setConnected(ctx, false) })
	return client
}

func (c *Channel) handle(ctx context.Context, msg *sse.Event) {
	name := string(msg.Event)
	if name == "" || name == "ping" {
		return
	}
	ev, err := Decode(name, msg.Data)
	if err != nil {
		glog.Warningf("push stream %s: %v", c.cfg.URL, err)
		return
	}
	glog.V(2).Infof("push %s target=%d", ev.Kind, ev.Target)
	c.emit(ctx, ev)
}

func (c *Channel) setConnected(ctx context.Context, v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if !changed {
		return
	}
	if v {
		c.emit(ctx, PushEvent{Kind: KindConnected})
	} else {
		c.emit(ctx, PushEvent{Kind: KindDisconnected})
	}
}

func (c *Channel) emit(ctx context.Context, ev PushEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
