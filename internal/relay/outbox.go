package relay

import (
	"context"
	"sync"

	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/pslog"
)

// WriteFunc writes one payload to the underlying connection.
type WriteFunc func(ctx context.Context, payload []byte) error

const defaultOutboxSize = 64

// Outbox is a Sink backed by a bounded FIFO queue and a dedicated writer
// goroutine, so a slow connection never stalls the Coordinator. A full queue
// rejects the payload.
type Outbox struct {
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	write  WriteFunc
	logger pslog.Logger
	err    error
	errMu  sync.Mutex
}

// NewOutbox starts a writer that feeds write with queued payloads in order.
func NewOutbox(size int, write WriteFunc, logger pslog.Logger) *Outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		queue:  make(chan []byte, size),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		logger: svcfields.WithSubsystem(logger, svcfields.Relay),
	}
	go o.run()
	return o
}

// Send queues payload. It returns false when the outbox is closed or full.
func (o *Outbox) Send(payload []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- payload:
		return true
	default:
		return false
	}
}

// Close retires the outbox. Queued payloads that have not been written are
// discarded.
func (o *Outbox) Close() {
	o.once.Do(func() {
		close(o.done)
		o.cancel()
	})
}

// Done is closed once the outbox is retired, either by Close or by a write
// failure.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Err returns the write error that retired the outbox, if any.
func (o *Outbox) Err() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

func (o *Outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case payload := <-o.queue:
			if err := o.write(o.ctx, payload); err != nil {
				select {
				case <-o.done:
				default:
					o.errMu.Lock()
					o.err = err
					o.errMu.Unlock()
					o.logger.Debug("relay.outbox.write_failed", "error", err)
				}
				o.Close()
				return
			}
		}
	}
}
