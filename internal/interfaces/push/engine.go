// Package push implements named long-lived channels that periodically
// synthesize a payload and fan it out to subscribed WebSocket clients.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/shape"
	"github.com/mocksmith/mocksmith/pkg/safego"
)

// State is the channel lifecycle position.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Spec is the registration payload of a channel.
type Spec struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Method       string             `json:"method,omitempty"`
	Path         string             `json:"path,omitempty"`
	Body         string             `json:"body,omitempty"`
	Shape        string             `json:"shape,omitempty"`
	IsJSONSchema bool               `json:"isJsonSchema,omitempty"`
	Context      string             `json:"context,omitempty"`
	RunWhenIdle  bool               `json:"runWhenIdle,omitempty"`
	ErrorConfig  *shape.ErrorConfig `json:"errorConfig,omitempty"`
}

func (s Spec) withDefaults() Spec {
	if s.Method == "" {
		s.Method = "GET"
	}
	if s.Path == "" {
		s.Path = "/" + s.Name
	}
	return s
}

// Generator produces one fresh payload for a channel tick. It must not
// serve cached variants.
type Generator func(ctx context.Context, spec Spec) (string, error)

// Envelope is the frame published to subscribers.
type Envelope struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Status is the management view of a channel.
type Status struct {
	Spec        Spec  `json:"spec"`
	State       State `json:"state"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
}

type channel struct {
	mu        sync.Mutex
	spec      Spec
	state     State
	cancel    context.CancelFunc
	subs      map[*Client]struct{}
	published int64
}

func (ch *channel) snapshot() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Status{Spec: ch.spec, State: ch.state, Subscribers: len(ch.subs), Published: ch.published}
}

// Engine owns the channel registry and the per-channel generator loops.
type Engine struct {
	mu       sync.RWMutex
	channels map[string]*channel

	root     context.Context
	gen      Generator
	interval time.Duration
	runIdle  bool
	logger   *zap.Logger
}

// NewEngine builds the registry. root bounds every generator loop; when
// it is canceled all channels stop.
func NewEngine(root context.Context, gen Generator, interval time.Duration, runIdle bool, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		channels: make(map[string]*channel),
		root:     root,
		gen:      gen,
		interval: interval,
		runIdle:  runIdle,
		logger:   logger.With(zap.String("component", "push")),
	}
}

// Register creates a channel. Re-registering with an equal payload is a
// no-op; a different payload under the same name is rejected.
func (e *Engine) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	spec = spec.withDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.channels[spec.Name]; ok {
		existing.mu.Lock()
		same := specEqual(existing.spec, spec)
		existing.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("channel %q already exists", spec.Name)
	}

	e.channels[spec.Name] = &channel{
		spec:  spec,
		state: StateCreated,
		subs:  make(map[*Client]struct{}),
	}
	e.logger.Info("channel registered", zap.String("channel", spec.Name))
	return nil
}

// Unregister stops and destroys a channel.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	ch, ok := e.channels[name]
	delete(e.channels, name)
	e.mu.Unlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	if ch.cancel != nil {
		ch.cancel()
	}
	for c := range ch.subs {
		c.dropChannel(name)
	}
	ch.subs = make(map[*Client]struct{})
	ch.mu.Unlock()

	e.logger.Info("channel destroyed", zap.String("channel", name))
	return true
}

// List returns all channels sorted by name.
func (e *Engine) List() []Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Status, 0, len(e.channels))
	for _, ch := range e.channels {
		out = append(out, ch.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

// Get returns one channel's status.
func (e *Engine) Get(name string) (Status, bool) {
	e.mu.RLock()
	ch, ok := e.channels[name]
	e.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return ch.snapshot(), true
}

// Start launches the channel's generator loop. Starting a running
// channel is a no-op.
func (e *Engine) Start(name string) error {
	e.mu.RLock()
	ch, ok := e.channels[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q not found", name)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateRunning {
		return nil
	}
	ctx, cancel := context.WithCancel(e.root)
	ch.cancel = cancel
	ch.state = StateRunning

	spec := ch.spec
	safego.Go(e.logger, "push-"+name, func() {
		e.run(ctx, name, spec, ch)
	})
	e.logger.Info("channel started", zap.String("channel", name))
	return nil
}

// Stop halts the generator but keeps the channel and its subscribers.
func (e *Engine) Stop(name string) error {
	e.mu.RLock()
	ch, ok := e.channels[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q not found", name)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateRunning {
		return nil
	}
	ch.cancel()
	ch.cancel = nil
	ch.state = StateStopped
	e.logger.Info("channel stopped", zap.String("channel", name))
	return nil
}

// Subscribe attaches a client. An unknown channel is created on first
// subscription with a default spec and started immediately.
func (e *Engine) Subscribe(name string, c *Client) error {
	e.mu.Lock()
	ch, ok := e.channels[name]
	if !ok {
		ch = &channel{
			spec:  Spec{Name: name}.withDefaults(),
			state: StateCreated,
			subs:  make(map[*Client]struct{}),
		}
		e.channels[name] = ch
	}
	e.mu.Unlock()

	ch.mu.Lock()
	ch.subs[c] = struct{}{}
	needStart := ch.state != StateRunning
	ch.mu.Unlock()
	c.addChannel(name)

	if needStart {
		return e.Start(name)
	}
	return nil
}

// Unsubscribe detaches a client. The channel itself survives; only an
// explicit Unregister destroys it.
func (e *Engine) Unsubscribe(name string, c *Client) {
	e.mu.RLock()
	ch, ok := e.channels[name]
	e.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, c)
	ch.mu.Unlock()
	c.dropChannel(name)
}

// Disconnect removes a client from every channel it joined.
func (e *Engine) Disconnect(c *Client) {
	for _, name := range c.channelNames() {
		e.Unsubscribe(name, c)
	}
}

// run is the per-channel generator loop. Failures are logged and the
// loop keeps ticking; only cancellation or a state change ends it.
func (e *Engine) run(ctx context.Context, name string, spec Spec, ch *channel) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ch.mu.Lock()
		active := ch.state == StateRunning
		idle := len(ch.subs) == 0
		ch.mu.Unlock()
		if !active {
			return
		}
		if idle && !e.runIdle && !spec.RunWhenIdle {
			continue
		}

		payload, err := e.tick(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("channel tick failed",
				zap.String("channel", name),
				zap.Error(err))
			continue
		}
		e.publish(ch, name, payload)
	}
}

func (e *Engine) tick(ctx context.Context, spec Spec) (string, error) {
	if ec := spec.ErrorConfig; ec != nil {
		return string(ec.Body()), nil
	}
	return e.gen(ctx, spec)
}

// publish fans the payload out. A subscriber whose buffer is full is
// disconnected rather than allowed to stall the channel.
func (e *Engine) publish(ch *channel, name string, payload string) {
	frame, err := json.Marshal(Envelope{
		Channel:   name,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		e.logger.Warn("unmarshalable payload dropped", zap.String("channel", name))
		return
	}

	ch.mu.Lock()
	subs := make([]*Client, 0, len(ch.subs))
	for c := range ch.subs {
		subs = append(subs, c)
	}
	ch.published++
	ch.mu.Unlock()

	for _, c := range subs {
		if !c.trySend(frame) {
			e.logger.Info("slow subscriber dropped", zap.String("channel", name))
			e.Unsubscribe(name, c)
			c.Close()
		}
	}
}

func specEqual(a, b Spec) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
