package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"

	// register tcp, ipc and inproc transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// PublisherConfig configures the event publisher.
type PublisherConfig struct {
	// Address is a mangos URL such as tcp://127.0.0.1:7600 or inproc://events.
	Address    string
	BufferSize int
}

// Publisher fans events out over a nanomsg PUB socket. Messages are the
// event type, a single space, then the JSON encoded event.
type Publisher struct {
	socket  mangos.Socket
	addr    string
	stream  chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  logging.Logger
	dropped atomic.Int64

	runningMu sync.Mutex
	running   bool
}

// NewPublisher creates a publisher; call Start to bind it.
func NewPublisher(config PublisherConfig, logger logging.Logger) (*Publisher, error) {
	socket, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	bufSize := config.BufferSize
	if bufSize <= 0 {
		bufSize = 1024
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Publisher{
		socket: socket,
		addr:   config.Address,
		stream: make(chan Event, bufSize),
		stopCh: make(chan struct{}),
		logger: logger.With(logging.Component("events")),
	}, nil
}

// Start binds the socket and begins publishing.
func (p *Publisher) Start() error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return fmt.Errorf("event publisher already running")
	}
	if err := p.socket.Listen(p.addr); err != nil {
		return fmt.Errorf("failed to bind PUB socket to %s: %w", p.addr, err)
	}

	p.running = true
	p.wg.Add(1)
	go p.publishLoop()

	p.logger.Info("event publisher started", logging.Addr(p.addr))
	return nil
}

// Stop drains nothing: queued events are discarded.
func (p *Publisher) Stop() error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if !p.running {
		return nil
	}

	close(p.stopCh)
	p.running = false
	p.wg.Wait()

	if err := p.socket.Close(); err != nil {
		return fmt.Errorf("failed to close PUB socket: %w", err)
	}
	p.logger.Info("event publisher stopped", logging.Int64("dropped", p.dropped.Load()))
	return nil
}

// Publish queues ev. When the queue is full the event is dropped.
func (p *Publisher) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case p.stream <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) publishLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.stream:
			msg, err := Encode(ev)
			if err != nil {
				p.logger.Warn("failed to encode event", logging.Error(err))
				continue
			}
			if err := p.socket.Send(msg); err != nil {
				p.logger.Warn("failed to publish event", logging.String("type", string(ev.Type)), logging.Error(err))
			}
		}
	}
}

// Encode renders ev in wire form: "<type> <json>".
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(ev.Type)+1+len(data))
	msg = append(msg, ev.Type...)
	msg = append(msg, ' ')
	return append(msg, data...), nil
}
