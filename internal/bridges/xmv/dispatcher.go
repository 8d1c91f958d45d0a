package xmv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultCommandTimeout bounds the wait for a device acknowledgement.
const defaultCommandTimeout = 3 * time.Second

// pendingKey identifies the channel parameter a command targets.
// Volume and mute share the level parameter on the device, so they
// supersede each other the same way the device resolves them.
type pendingKey struct {
	verb    string
	channel int
	param   Parameter
}

// PendingCommand is a command written to the device and not yet resolved.
type PendingCommand struct {
	ChannelID int
	Attribute Parameter
	Value     int
	IssuedAt  time.Time

	key    pendingKey
	seq    uint64
	result chan error
}

// resolve delivers the outcome. Only the first call has an effect.
func (p *PendingCommand) resolve(err error) {
	select {
	case p.result <- err:
	default:
	}
}

// writeFunc writes one encoded command to the active connection.
type writeFunc func(ctx context.Context, data []byte) error

// Dispatcher correlates outbound commands with device acknowledgements.
//
// The device answers every set with "OK set <address> 0 0 <value>" and every
// get with "OK get ...". Errors come back as "ERROR <verb> <reason>" without
// the address, so they resolve the oldest outstanding command of that verb.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[pendingKey]*PendingCommand
	seq     uint64

	write   writeFunc
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher creates a dispatcher writing through write.
func NewDispatcher(write writeFunc, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Dispatcher{
		pending: make(map[pendingKey]*PendingCommand),
		write:   write,
		timeout: timeout,
		now:     time.Now,
	}
}

// Send writes a command and waits for the device to resolve it.
//
// Returns:
//   - nil when the device acknowledged the command
//   - ErrCommandSuperseded when a newer command for the same parameter replaced it
//   - ErrDeviceRejected when the device answered with ERROR
//   - ErrCommandTimeout when no answer arrived within the timeout
//   - an ErrTransport error when the write failed or the link dropped
func (d *Dispatcher) Send(ctx context.Context, cmd Command) error {
	p, err := d.Issue(ctx, cmd)
	if err != nil {
		return err
	}
	return d.Wait(ctx, p)
}

// Issue registers a pending command and writes it without waiting.
func (d *Dispatcher) Issue(ctx context.Context, cmd Command) (*PendingCommand, error) {
	t := cmd.target()
	key := pendingKey{verb: t.verb, channel: t.channel, param: t.param}

	d.mu.Lock()
	d.seq++
	p := &PendingCommand{
		ChannelID: t.channel,
		Attribute: t.param,
		Value:     t.value,
		IssuedAt:  d.now(),
		key:       key,
		seq:       d.seq,
		result:    make(chan error, 1),
	}
	if prev, ok := d.pending[key]; ok {
		prev.resolve(ErrCommandSuperseded)
	}
	d.pending[key] = p
	d.mu.Unlock()

	if err := d.write(ctx, Encode(cmd)); err != nil {
		d.remove(p)
		return nil, err
	}
	return p, nil
}

// Wait blocks until the pending command resolves, times out or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, p *PendingCommand) error {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case err := <-p.result:
		return err
	case <-timer.C:
		d.remove(p)
		return fmt.Errorf("%w: %s channel %d after %v", ErrCommandTimeout, p.Attribute, p.ChannelID, d.timeout)
	case <-ctx.Done():
		d.remove(p)
		return ctx.Err()
	}
}

// HandleNotify resolves the pending command answered by n.
// Pushed notifications (KindNotify) never resolve anything.
func (d *Dispatcher) HandleNotify(n StateNotify) {
	var verb string
	switch n.Kind {
	case KindSetAck:
		verb = "set"
	case KindGetReply:
		verb = "get"
	default:
		return
	}

	key := pendingKey{verb: verb, channel: n.Channel, param: n.Parameter}

	d.mu.Lock()
	p, ok := d.pending[key]
	if ok && verb == "set" && p.Value != n.Value {
		// Echo of an older, superseded command.
		ok = false
	}
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		p.resolve(nil)
	}
}

// HandleError rejects the oldest pending command with the given verb.
// Returns false when nothing was pending for that verb.
func (d *Dispatcher) HandleError(e DeviceError) bool {
	d.mu.Lock()
	var oldest *PendingCommand
	for _, p := range d.pending {
		if p.key.verb != e.Verb {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest != nil {
		delete(d.pending, oldest.key)
	}
	d.mu.Unlock()

	if oldest == nil {
		return false
	}
	oldest.resolve(fmt.Errorf("%w: %s", ErrDeviceRejected, e.Reason))
	return true
}

// FailAll resolves every pending command with err. Used on disconnect.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[pendingKey]*PendingCommand)
	d.mu.Unlock()

	for _, p := range pending {
		p.resolve(err)
	}
}

// PendingCount returns the number of unresolved commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// remove drops p if it is still the pending command for its key.
func (d *Dispatcher) remove(p *PendingCommand) {
	d.mu.Lock()
	if cur, ok := d.pending[p.key]; ok && cur == p {
		delete(d.pending, p.key)
	}
	d.mu.Unlock()
}
