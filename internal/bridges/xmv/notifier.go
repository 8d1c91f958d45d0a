package xmv

import (
	"fmt"
	"sync"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// event is a queued notification.
type event struct {
	connectivity bool
	state        ConnectionState
	channelID    int
	channel      ChannelState
}

// Notifier fans events out to subscribers in confirmation order.
//
// Publishing never blocks: events go onto an unbounded FIFO drained by a
// single delivery goroutine, so a slow listener delays later events but
// never the receive loop.
//
// Thread Safety: all methods are safe for concurrent use.
type Notifier struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	channels  map[int]struct{}
	queue     []event

	wake chan struct{}
	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewNotifier creates a notifier and starts its delivery goroutine.
// Call Close to stop it.
func NewNotifier() *Notifier {
	n := &Notifier{
		listeners: make(map[uint64]Listener),
		channels:  make(map[int]struct{}),
		wake:      make(chan struct{}, 1),
		done:      newCloseOnce(),
	}
	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

// SetLogger sets the logger used to report listener panics.
func (n *Notifier) SetLogger(logger Logger) {
	n.loggerMu.Lock()
	n.logger = logger
	n.loggerMu.Unlock()
}

// SetChannels replaces the set of channels whose events reach subscribers.
func (n *Notifier) SetChannels(channels []ChannelConfig) {
	set := make(map[int]struct{}, len(channels))
	for _, ch := range channels {
		set[ch.ID] = struct{}{}
	}

	n.mu.Lock()
	n.channels = set
	n.mu.Unlock()
}

// Subscribe registers a listener and returns a function that removes it.
// The returned function is idempotent.
func (n *Notifier) Subscribe(l Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	n.order = append(n.order, id)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
			n.mu.Unlock()
		})
	}
}

// PublishConnectivity queues a connection state change.
func (n *Notifier) PublishConnectivity(state ConnectionState) {
	n.enqueue(event{connectivity: true, state: state})
}

// PublishChannel queues a channel change. Events for channels that are
// not configured are dropped.
func (n *Notifier) PublishChannel(channelID int, state ChannelState) {
	n.mu.Lock()
	_, configured := n.channels[channelID]
	n.mu.Unlock()

	if !configured {
		return
	}
	n.enqueue(event{channelID: channelID, channel: state})
}

func (n *Notifier) enqueue(e event) {
	n.mu.Lock()
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close delivers every queued event, then stops the delivery goroutine.
func (n *Notifier) Close() {
	n.done.Close()
	n.wg.Wait()
}

func (n *Notifier) deliverLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.done.Done():
			n.drain()
			return
		}
	}
}

// drain delivers queued events until the queue is empty.
func (n *Notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		e := n.queue[0]
		n.queue[0] = event{}
		n.queue = n.queue[1:]

		listeners := make([]Listener, 0, len(n.order))
		for _, id := range n.order {
			listeners = append(listeners, n.listeners[id])
		}
		n.mu.Unlock()

		for _, l := range listeners {
			n.deliver(l, e)
		}
	}
}

func (n *Notifier) deliver(l Listener, e event) {
	defer func() {
		if r := recover(); r != nil {
			n.logError("listener panic recovered", fmt.Errorf("%v", r))
		}
	}()

	if e.connectivity {
		l.OnConnectivityChange(e.state)
		return
	}
	l.OnChannelChange(e.channelID, e.channel)
}

func (n *Notifier) logError(msg string, err error) {
	n.loggerMu.RLock()
	logger := n.logger
	n.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
