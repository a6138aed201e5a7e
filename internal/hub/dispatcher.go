package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Forwarder receives every locally published message, e.g. to relay it to
// other instances. Forward must not block.
type Forwarder interface {
	Forward(topic string, data []byte)
}

// Dispatcher fans published messages out to the registry's subscribers.
type Dispatcher struct {
	reg *Registry
	fwd Forwarder
}

// NewDispatcher creates a dispatcher delivering to reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// SetForwarder installs f. Must be called before the first Publish.
func (d *Dispatcher) SetForwarder(f Forwarder) { d.fwd = f }

// Publish encodes msg as JSON, delivers it to every current subscriber of
// topic and hands it to the forwarder.
func (d *Dispatcher) Publish(topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", topic, err)
	}
	d.Deliver(topic, data)
	if d.fwd != nil {
		d.fwd.Forward(topic, data)
	}
	return nil
}

// Deliver sends data to the local subscribers of topic and returns how
// many accepted it. Deliveries on one topic happen in call order.
func (d *Dispatcher) Deliver(topic string, data []byte) int {
	t := d.reg.topic(topic, false)
	if t == nil {
		return 0
	}
	t.pub.Lock()
	defer t.pub.Unlock()

	delivered := 0
	for _, m := range t.snapshot() {
		if err := safeSend(m.Sender, data); err != nil {
			slog.Debug("dropping delivery",
				"topic", topic,
				"conn_id", m.ID,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// safeSend isolates one subscriber's failure, panics included.
func safeSend(s Sender, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber send panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.New("send panicked")
		}
	}()
	return s.Send(data)
}
