// Package broker wraps the MQTT connection behind a small interface so the
// router and the ingestion pipeline never touch the paho client directly.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrBrokerDown is surfaced once the reconnect budget is exhausted. The
// process keeps running; ingestion resumes if connectivity returns through a
// later explicit Connect.
var ErrBrokerDown = errors.New("broker connection lost, retries exhausted")

// MessageHandler receives one raw broker message.
type MessageHandler func(topic string, payload []byte)

// Client is the broker surface the rest of the system depends on. There are
// two implementations: Paho, and the in-memory fake used by tests.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(filter string, qos byte, handler MessageHandler) error
	Unsubscribe(filter string) error
	Disconnect()
	Connected() bool
	// OnReconnect registers a callback invoked after every successful
	// reconnect, before any redelivered message is dispatched. The router
	// uses it to replay its subscription set.
	OnReconnect(fn func())
}

// Options configures a Paho client.
type Options struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	Backoff        Backoff
	ConnectTimeout time.Duration
}

// Paho is the production Client. Reconnection is driven by the explicit
// backoff machine in this package; paho's own auto-reconnect stays disabled
// so connection state has a single owner.
type Paho struct {
	opts   Options
	client mqtt.Client

	mu          sync.Mutex
	status      Status
	onReconnect func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPaho creates a Paho client. Connect must be called before Subscribe.
func NewPaho(opts Options) *Paho {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Paho{opts: opts, status: Status{State: StateRetrying}}
}

// Connect dials the broker. On success the reconnect machine enters
// connected; a later connection loss starts the backoff loop.
func (p *Paho) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(ctx)

	mo := mqtt.NewClientOptions().
		AddBroker(p.opts.URL).
		SetClientID(p.opts.ClientID).
		SetUsername(p.opts.Username).
		SetPassword(p.opts.Password).
		SetAutoReconnect(false).
		SetConnectTimeout(p.opts.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("broker connection lost", "error", err)
			go p.reconnectLoop()
		})

	p.client = mqtt.NewClient(mo)
	if err := p.wait(p.client.Connect()); err != nil {
		// Hand recovery to the backoff loop; OnReconnect will replay the
		// subscription set once the broker comes back.
		go p.reconnectLoop()
		return fmt.Errorf("connect %s: %w", p.opts.URL, err)
	}
	p.status, _ = p.opts.Backoff.Next(p.status, EventUp)
	slog.Info("broker connected", "url", p.opts.URL, "client_id", p.opts.ClientID)
	return nil
}

// reconnectLoop walks the backoff machine until connected or failed.
// A broker outage never touches session state; ingestion simply pauses.
func (p *Paho) reconnectLoop() {
	p.mu.Lock()
	status := p.status
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	for {
		next, delay := p.opts.Backoff.Next(status, EventDown)
		status = next

		if status.State == StateFailed {
			p.setStatus(status)
			slog.Error("broker reconnect failed", "attempts", status.Attempt, "error", ErrBrokerDown)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		slog.Info("broker reconnecting", "attempt", status.Attempt, "delay", delay)
		if err := p.wait(p.client.Connect()); err != nil {
			slog.Warn("broker reconnect attempt failed", "attempt", status.Attempt, "error", err)
			continue
		}

		status, _ = p.opts.Backoff.Next(status, EventUp)
		p.setStatus(status)
		slog.Info("broker reconnected", "url", p.opts.URL)

		p.mu.Lock()
		fn := p.onReconnect
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
}

func (p *Paho) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Subscribe issues a broker-level SUBSCRIBE. Filter-level dedupe is the
// router's job; this always goes to the wire.
func (p *Paho) Subscribe(filter string, qos byte, handler MessageHandler) error {
	token := p.client.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if err := p.wait(token); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

func (p *Paho) Unsubscribe(filter string) error {
	if err := p.wait(p.client.Unsubscribe(filter)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

func (p *Paho) Disconnect() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	client := p.client
	p.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func (p *Paho) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.State == StateConnected
}

func (p *Paho) OnReconnect(fn func()) {
	p.mu.Lock()
	p.onReconnect = fn
	p.mu.Unlock()
}

func (p *Paho) wait(token mqtt.Token) error {
	if !token.WaitTimeout(p.opts.ConnectTimeout) {
		return errors.New("timed out waiting for broker ack")
	}
	return token.Error()
}
