// Package relay owns live client sessions and delivers callback payloads to
// them. A single Coordinator goroutine holds the session registry; every
// join, leave, delivery and broadcast is a command on its channel, which
// gives one total order over all of them.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrClosed is returned by blocking operations once the Coordinator stops.
var ErrClosed = errors.New("relay: coordinator closed")

// Sink is the per-session delivery handle. Send must not block; it reports
// whether the payload was accepted. Close retires the handle and is safe to
// call more than once.
type Sink interface {
	Send(payload []byte) bool
	Close()
}

// SessionInfo is a read-only snapshot of a registered session.
type SessionInfo struct {
	ID   uint64 `json:"id"`
	Name string `json:"name,omitempty"`
	Room string `json:"room,omitempty"`
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// QueueSize bounds pending commands. Senders block when it is full.
	QueueSize int
	Logger    pslog.Logger

	// MeterProvider defaults to the global otel provider.
	MeterProvider metric.MeterProvider
}

const defaultCommandQueue = 1024

// Coordinator serializes access to the session registry.
type Coordinator struct {
	cmds    chan command
	stop    chan struct{}
	exited  chan struct{}
	nextID  atomic.Uint64
	running atomic.Bool
	stopped sync.Once

	logger  pslog.Logger
	metrics *relayMetrics

	// owned by the run loop
	sessions map[uint64]*member
}

type member struct {
	sink Sink
	name string
	room string
}

type command struct {
	kind    commandKind
	id      uint64
	exclude uint64
	sink    Sink
	name    string
	room    string
	payload []byte
	done    chan struct{}
	reply   chan []SessionInfo
}

type commandKind uint8

const (
	cmdJoin commandKind = iota + 1
	cmdLeave
	cmdDeliver
	cmdBroadcast
	cmdAnnotate
	cmdSnapshot
	cmdSync
)

// NewCoordinator returns a Coordinator. Call Run to start processing.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultCommandQueue
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Coordinator)
	return &Coordinator{
		cmds:     make(chan command, size),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		logger:   logger,
		metrics:  newRelayMetrics(cfg.MeterProvider, logger),
		sessions: make(map[uint64]*member),
	}
}

// NextID allocates a session id. Ids are unique for the life of the
// Coordinator and start at 1; 0 never names a session.
func (c *Coordinator) NextID() uint64 {
	return c.nextID.Add(1)
}

// Run processes commands until ctx is cancelled or Close is called. Every
// registered sink is closed on exit. Run must be called at most once.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer close(c.exited)
	defer c.retireAll()
	c.logger.Debug("relay.coordinator.start")
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("relay.coordinator.stop", "reason", "context")
			return
		case <-c.stop:
			c.logger.Debug("relay.coordinator.stop", "reason", "closed")
			return
		case cmd := <-c.cmds:
			c.apply(cmd)
		}
	}
}

// Close stops the loop and waits for it to retire every sink. It is safe to
// call when Run was never started.
func (c *Coordinator) Close() {
	c.stopped.Do(func() { close(c.stop) })
	if c.running.Load() {
		<-c.exited
	}
}

// Join registers sink under id, replacing and closing any previous sink for
// the same id. It returns once the registration is applied, so a Broadcast
// submitted afterwards reaches the session.
func (c *Coordinator) Join(ctx context.Context, id uint64, sink Sink) error {
	return c.JoinWith(ctx, id, sink, nil)
}

// JoinWith is Join with a payload handed to sink when the registration is
// applied, ahead of anything delivered to the session afterwards.
func (c *Coordinator) JoinWith(ctx context.Context, id uint64, sink Sink, initial []byte) error {
	if sink == nil {
		return errors.New("relay: nil sink")
	}
	return c.call(ctx, command{kind: cmdJoin, id: id, sink: sink, payload: initial})
}

// Leave removes id and closes its sink. Unknown ids are ignored.
func (c *Coordinator) Leave(ctx context.Context, id uint64) error {
	return c.call(ctx, command{kind: cmdLeave, id: id})
}

// Annotate sets the display name and room of a session. Empty values leave
// the current value unchanged.
func (c *Coordinator) Annotate(ctx context.Context, id uint64, name, room string) error {
	return c.call(ctx, command{kind: cmdAnnotate, id: id, name: name, room: room})
}

// Sync returns after every command submitted before it has been applied.
func (c *Coordinator) Sync(ctx context.Context) error {
	return c.call(ctx, command{kind: cmdSync})
}

// Sessions returns the registered sessions ordered by id.
func (c *Coordinator) Sessions(ctx context.Context) ([]SessionInfo, error) {
	reply := make(chan []SessionInfo, 1)
	if err := c.submit(ctx, command{kind: cmdSnapshot, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.exited:
		return nil, ErrClosed
	}
}

// DeliverTo enqueues payload for session id. A missing session is counted
// and logged as a delivery miss; no error is reported to the caller.
func (c *Coordinator) DeliverTo(ctx context.Context, id uint64, payload []byte) {
	if err := c.submit(ctx, command{kind: cmdDeliver, id: id, payload: payload}); err != nil {
		c.metrics.recordMiss(ctx, "unavailable")
		c.logger.Warn("relay.deliver.dropped", "session_id", id, "error", err)
	}
}

// Broadcast enqueues payload for every session registered when the command
// is applied, except exclude. Pass 0 to exclude nothing.
func (c *Coordinator) Broadcast(ctx context.Context, payload []byte, exclude uint64) {
	if err := c.submit(ctx, command{kind: cmdBroadcast, payload: payload, exclude: exclude}); err != nil {
		c.metrics.recordMiss(ctx, "unavailable")
		c.logger.Warn("relay.broadcast.dropped", "error", err)
	}
}

func (c *Coordinator) call(ctx context.Context, cmd command) error {
	cmd.done = make(chan struct{})
	if err := c.submit(ctx, cmd); err != nil {
		return err
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return ErrClosed
	}
}

func (c *Coordinator) submit(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) apply(cmd command) {
	ctx := context.Background()
	switch cmd.kind {
	case cmdJoin:
		prev, replaced := c.sessions[cmd.id]
		if replaced {
			prev.sink.Close()
			c.logger.Debug("relay.session.replaced", "session_id", cmd.id)
		}
		m := &member{sink: cmd.sink}
		c.sessions[cmd.id] = m
		c.metrics.recordJoin(ctx, replaced)
		c.logger.Info("relay.session.join", "session_id", cmd.id, "sessions", len(c.sessions))
		if cmd.payload != nil {
			c.send(ctx, cmd.id, m, cmd.payload)
		}
	case cmdLeave:
		if m, ok := c.sessions[cmd.id]; ok {
			delete(c.sessions, cmd.id)
			m.sink.Close()
			c.metrics.recordLeave(ctx)
			c.logger.Info("relay.session.leave", "session_id", cmd.id, "sessions", len(c.sessions))
		}
	case cmdAnnotate:
		if m, ok := c.sessions[cmd.id]; ok {
			if cmd.name != "" {
				m.name = cmd.name
			}
			if cmd.room != "" {
				m.room = cmd.room
			}
		}
	case cmdDeliver:
		m, ok := c.sessions[cmd.id]
		if !ok {
			c.metrics.recordMiss(ctx, "unknown_session")
			c.logger.Warn("relay.deliver.miss", "session_id", cmd.id)
			break
		}
		c.send(ctx, cmd.id, m, cmd.payload)
	case cmdBroadcast:
		for id, m := range c.sessions {
			if id == cmd.exclude {
				continue
			}
			c.send(ctx, id, m, cmd.payload)
		}
	case cmdSnapshot:
		out := make([]SessionInfo, 0, len(c.sessions))
		for id, m := range c.sessions {
			out = append(out, SessionInfo{ID: id, Name: m.name, Room: m.room})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		cmd.reply <- out
	case cmdSync:
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}

func (c *Coordinator) send(ctx context.Context, id uint64, m *member, payload []byte) {
	if m.sink.Send(payload) {
		c.metrics.recordDelivery(ctx)
		return
	}
	c.metrics.recordDrop(ctx)
	c.logger.Warn("relay.deliver.drop", "session_id", id, "bytes", len(payload))
}

func (c *Coordinator) retireAll() {
	n := len(c.sessions)
	for id, m := range c.sessions {
		m.sink.Close()
		delete(c.sessions, id)
	}
	c.metrics.recordRetired(context.Background(), n)
}
