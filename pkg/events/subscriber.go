package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"
)

// Subscriber receives events from a Publisher.
type Subscriber struct {
	socket mangos.Socket
}

// Subscribe dials addr and subscribes to events whose type starts with
// prefix. An empty prefix receives everything.
func Subscribe(addr, prefix string) (*Subscriber, error) {
	socket, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err := socket.SetOption(mangos.OptionSubscribe, []byte(prefix)); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", prefix, err)
	}
	if err := socket.Dial(addr); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Subscriber{socket: socket}, nil
}

// Next blocks for the next event, up to timeout (zero waits forever).
func (s *Subscriber) Next(timeout time.Duration) (Event, error) {
	if timeout > 0 {
		if err := s.socket.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
			return Event{}, err
		}
	}
	msg, err := s.socket.Recv()
	if err != nil {
		return Event{}, err
	}
	return Decode(msg)
}

// Close closes the socket.
func (s *Subscriber) Close() error {
	return s.socket.Close()
}

// Decode parses a message produced by Encode.
func Decode(msg []byte) (Event, error) {
	i := bytes.IndexByte(msg, ' ')
	if i < 0 {
		return Event{}, fmt.Errorf("malformed event message")
	}
	var ev Event
	if err := json.Unmarshal(msg[i+1:], &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}
