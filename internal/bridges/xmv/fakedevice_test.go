package xmv

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice is an in-process XMV speaking enough RCP for the client:
// the runmode handshake, get and set on power and level.
type fakeDevice struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	power    map[int]int
	level    map[int]int
	rejected map[int]bool
	received []string
	runmode  string

	silent  atomic.Bool
	accepts atomic.Int32
	wg      sync.WaitGroup
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &fakeDevice{
		t:        t,
		listener: l,
		power:    make(map[int]int),
		level:    make(map[int]int),
		rejected: make(map[int]bool),
		runmode:  runmodeNormal,
	}

	d.wg.Add(1)
	go d.acceptLoop()

	t.Cleanup(d.Close)
	return d
}

// Port returns the listening port.
func (d *fakeDevice) Port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

// Config returns a client configuration pointing at the device with
// timings short enough for tests.
func (d *fakeDevice) Config(channels ...ChannelConfig) Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              d.Port(),
		Channels:          channels,
		Range:             VolumeRange{MinDB: -80, MaxDB: 0},
		ConnectTimeout:    time.Second,
		HandshakeTimeout:  500 * time.Millisecond,
		WriteTimeout:      time.Second,
		CommandTimeout:    500 * time.Millisecond,
		SyncTimeout:       2 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		StaleThreshold:    15 * time.Second,
		Backoff:           BackoffPolicy{Base: 20 * time.Millisecond, Ceiling: 100 * time.Millisecond},
	}
}

// SetChannel sets the device-side state of a channel.
func (d *fakeDevice) SetChannel(id int, power bool, level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power[id] = 0
	if power {
		d.power[id] = 1
	}
	d.level[id] = level
}

// Reject makes the device answer every get or set on channel id with ERROR.
func (d *fakeDevice) Reject(id int) {
	d.mu.Lock()
	d.rejected[id] = true
	d.mu.Unlock()
}

// SetRunmode changes the handshake answer.
func (d *fakeDevice) SetRunmode(mode string) {
	d.mu.Lock()
	d.runmode = mode
	d.mu.Unlock()
}

// SetSilent stops the device answering anything.
func (d *fakeDevice) SetSilent(silent bool) {
	d.silent.Store(silent)
}

// Push writes raw bytes to the connected client.
func (d *fakeDevice) Push(data string) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		d.t.Errorf("push %q: no client connected", data)
		return
	}
	if _, err := conn.Write([]byte(data)); err != nil {
		d.t.Errorf("push %q: %v", data, err)
	}
}

// Drop closes the current client connection.
func (d *fakeDevice) Drop() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Received returns every line the device has read.
func (d *fakeDevice) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// ReceivedWithPrefix returns the received lines starting with prefix.
func (d *fakeDevice) ReceivedWithPrefix(prefix string) []string {
	var out []string
	for _, line := range d.Received() {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// Accepts returns how many connections the device has accepted.
func (d *fakeDevice) Accepts() int {
	return int(d.accepts.Load())
}

// Close stops the device.
func (d *fakeDevice) Close() {
	d.listener.Close()
	d.Drop()
	d.wg.Wait()
}

func (d *fakeDevice) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.accepts.Add(1)

		d.mu.Lock()
		prev := d.conn
		d.conn = conn
		d.mu.Unlock()
		if prev != nil {
			prev.Close()
		}

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		d.mu.Lock()
		d.received = append(d.received, line)
		reply := d.answer(line)
		d.mu.Unlock()

		if d.silent.Load() || reply == "" {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

// answer builds the reply to one command. Called with mu held.
func (d *fakeDevice) answer(line string) string {
	fields := strings.Fields(line)

	switch fields[0] {
	case "devstatus":
		return fmt.Sprintf("OK devstatus %s %q", fields[1], d.runmode)

	case "get", "set":
		if len(fields) < 4 {
			return "ERROR " + fields[0] + " WrongFormat"
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) != 7 {
			return "ERROR " + fields[0] + " UnknownAddress"
		}
		param, _ := strconv.Atoi(parts[1])
		channel, _ := strconv.Atoi(parts[3])
		if d.rejected[channel] {
			return "ERROR " + fields[0] + " UnknownAddress"
		}

		values := d.level
		if Parameter(param) == ParamPower {
			values = d.power
		}

		if fields[0] == "set" {
			if len(fields) < 5 {
				return "ERROR set WrongFormat"
			}
			v, err := strconv.Atoi(fields[4])
			if err != nil {
				return "ERROR set InvalidArgument"
			}
			values[channel] = v
		}

		v, ok := values[channel]
		if !ok && Parameter(param) == ParamLevel {
			v = MuteLevel
		}
		return fmt.Sprintf("OK %s %s 0 0 %d", fields[0], fields[1], v)
	}

	return "ERROR " + fields[0] + " UnknownCommand"
}

// notifyLine formats a device push for channel id.
func notifyLine(param Parameter, channel, value int) string {
	return fmt.Sprintf("NOTIFY set %s 0 0 %d\n", paramAddress(param, channel), value)
}
