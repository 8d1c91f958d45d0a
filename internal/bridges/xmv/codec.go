package xmv

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire protocol constants (Yamaha Remote Control Protocol).
const (
	// DefaultPort is the RCP TCP port.
	DefaultPort = 49280

	// MaxLineLength bounds a single protocol line. Longer input is discarded
	// up to the next line terminator.
	MaxLineLength = 1024

	// MuteLevel is the level value the device uses to represent a muted fader.
	MuteLevel = -13801

	addressPrefix = "MTX:mem_512"
	runmodeKey    = "runmode"
	runmodeNormal = "normal"
)

// Parameter is the device memory path ID of a channel attribute.
type Parameter int

// Channel parameters. Volume and mute share the level parameter.
const (
	ParamLevel Parameter = 60002
	ParamPower Parameter = 60003
)

// String returns the parameter name.
func (p Parameter) String() string {
	switch p {
	case ParamPower:
		return "power"
	case ParamLevel:
		return "level"
	default:
		return strconv.Itoa(int(p))
	}
}

// Command is an outbound protocol command.
type Command interface {
	// Line returns the command text without the line terminator.
	Line() string

	// target identifies what the device will echo back.
	target() commandTarget
}

// commandTarget is used by the dispatcher to correlate replies.
type commandTarget struct {
	verb    string
	channel int
	param   Parameter
	value   int
}

// Handshake asks the device for its run mode.
type Handshake struct{}

// SetPower switches a channel on or off.
type SetPower struct {
	Channel int
	On      bool
}

// SetVolume sets a channel level in dB.
type SetVolume struct {
	Channel int
	DB      float64
}

// SetMute mutes a channel, or unmutes it by restoring RestoreDB.
// The device has no separate mute flag: mute is a level of MuteLevel.
type SetMute struct {
	Channel   int
	Muted     bool
	RestoreDB float64
}

// QueryPower requests the power state of a channel.
type QueryPower struct {
	Channel int
}

// QueryVolume requests the level of a channel.
type QueryVolume struct {
	Channel int
}

// Line implements Command.
func (Handshake) Line() string { return "devstatus " + runmodeKey }

func (Handshake) target() commandTarget { return commandTarget{verb: "devstatus"} }

// Line implements Command.
func (c SetPower) Line() string {
	return setLine(ParamPower, c.Channel, c.level())
}

func (c SetPower) level() int {
	if c.On {
		return 1
	}
	return 0
}

func (c SetPower) target() commandTarget {
	return commandTarget{verb: "set", channel: c.Channel, param: ParamPower, value: c.level()}
}

// Line implements Command.
func (c SetVolume) Line() string {
	return setLine(ParamLevel, c.Channel, dbToLevel(c.DB))
}

func (c SetVolume) target() commandTarget {
	return commandTarget{verb: "set", channel: c.Channel, param: ParamLevel, value: dbToLevel(c.DB)}
}

// Line implements Command.
func (c SetMute) Line() string {
	return setLine(ParamLevel, c.Channel, c.level())
}

func (c SetMute) level() int {
	if c.Muted {
		return MuteLevel
	}
	return dbToLevel(c.RestoreDB)
}

func (c SetMute) target() commandTarget {
	return commandTarget{verb: "set", channel: c.Channel, param: ParamLevel, value: c.level()}
}

// Line implements Command.
func (c QueryPower) Line() string { return getLine(ParamPower, c.Channel) }

func (c QueryPower) target() commandTarget {
	return commandTarget{verb: "get", channel: c.Channel, param: ParamPower}
}

// Line implements Command.
func (c QueryVolume) Line() string { return getLine(ParamLevel, c.Channel) }

func (c QueryVolume) target() commandTarget {
	return commandTarget{verb: "get", channel: c.Channel, param: ParamLevel}
}

// Encode returns the wire bytes for a command, including the terminator.
func Encode(cmd Command) []byte {
	return []byte(cmd.Line() + "\n")
}

func paramAddress(param Parameter, channel int) string {
	return fmt.Sprintf("%s/%d/0/%d/0/0/0", addressPrefix, int(param), channel)
}

func setLine(param Parameter, channel, value int) string {
	return fmt.Sprintf("set %s 0 0 %d", paramAddress(param, channel), value)
}

func getLine(param Parameter, channel int) string {
	return fmt.Sprintf("get %s 0 0", paramAddress(param, channel))
}

// dbToLevel converts dB to the device's hundredths-of-a-dB integer.
func dbToLevel(db float64) int {
	return int(math.Round(db * 100))
}

// Message is a decoded inbound protocol line.
type Message interface {
	isMessage()
}

// NotifyKind tells where a StateNotify came from.
type NotifyKind int

// Notification sources.
const (
	// KindNotify is an unsolicited push (another controller changed something).
	KindNotify NotifyKind = iota

	// KindGetReply answers a query.
	KindGetReply

	// KindSetAck acknowledges a set command and echoes the applied value.
	KindSetAck
)

// String returns the kind name.
func (k NotifyKind) String() string {
	switch k {
	case KindGetReply:
		return "get_reply"
	case KindSetAck:
		return "set_ack"
	default:
		return "notify"
	}
}

// StateNotify carries one or more confirmed channel attributes.
// Nil attribute pointers mean "unchanged".
type StateNotify struct {
	Kind      NotifyKind
	Channel   int
	Parameter Parameter
	Value     int

	Power    *bool
	VolumeDB *float64
	Muted    *bool
}

// DeviceStatus is a devstatus reply, used for the handshake and probes.
type DeviceStatus struct {
	Key   string
	Value string
}

// DeviceError is an ERROR reply. The device does not echo the address.
type DeviceError struct {
	Verb   string
	Reason string
}

// Unhandled is a well-formed line for a parameter this client does not track.
type Unhandled struct {
	Line string
}

func (StateNotify) isMessage()  {}
func (DeviceStatus) isMessage() {}
func (DeviceError) isMessage()  {}
func (Unhandled) isMessage()    {}

// Decode parses the first complete line in buf.
//
// It never blocks and keeps no state. Blank lines are skipped.
//
// Returns:
//   - Message: the decoded message, nil on error
//   - int: bytes consumed; on a *ParseError this is the resynchronization point
//   - error: ErrNeedMoreData when no complete line is buffered, *ParseError
//     for malformed input
func Decode(buf []byte) (Message, int, error) {
	consumed := 0
	for {
		rest := buf[consumed:]
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			if len(rest) > MaxLineLength {
				return nil, len(buf), &ParseError{Data: clone(rest), Reason: "line exceeds maximum length"}
			}
			return nil, consumed, ErrNeedMoreData
		}

		line := bytes.TrimRight(rest[:i], "\r")
		consumed += i + 1

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > MaxLineLength {
			return nil, consumed, &ParseError{Data: clone(line), Reason: "line exceeds maximum length"}
		}

		msg, err := parseLine(line)
		return msg, consumed, err
	}
}

func parseLine(line []byte) (Message, error) {
	fields := strings.Fields(string(line))

	switch fields[0] {
	case "OK":
		if len(fields) < 2 {
			return nil, parseError(line, "missing verb")
		}
		switch fields[1] {
		case "get":
			return parseParameter(line, fields, KindGetReply)
		case "set":
			return parseParameter(line, fields, KindSetAck)
		case "devstatus":
			if len(fields) < 4 {
				return nil, parseError(line, "truncated devstatus reply")
			}
			value := strings.Trim(strings.Join(fields[3:], " "), `"`)
			return DeviceStatus{Key: fields[2], Value: value}, nil
		default:
			return Unhandled{Line: string(line)}, nil
		}

	case "NOTIFY":
		if len(fields) < 2 {
			return nil, parseError(line, "missing verb")
		}
		if fields[1] == "set" {
			return parseParameter(line, fields, KindNotify)
		}
		return Unhandled{Line: string(line)}, nil

	case "ERROR":
		if len(fields) < 2 {
			return nil, parseError(line, "missing verb")
		}
		return DeviceError{Verb: fields[1], Reason: strings.Join(fields[2:], " ")}, nil

	default:
		return nil, parseError(line, "unrecognised response")
	}
}

// parseParameter decodes "<OK|NOTIFY> <verb> <address> <x> <y> <value>".
func parseParameter(line []byte, fields []string, kind NotifyKind) (Message, error) {
	if len(fields) < 6 {
		return nil, parseError(line, "truncated parameter line")
	}

	address := fields[2]
	if !strings.HasPrefix(address, addressPrefix+"/") {
		return Unhandled{Line: string(line)}, nil
	}

	// MTX:mem_512/<param>/0/<channel>/0/0/0
	parts := strings.Split(address, "/")
	if len(parts) != 7 {
		return nil, parseError(line, "malformed address")
	}

	param, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, parseError(line, "malformed parameter id")
	}
	if Parameter(param) != ParamPower && Parameter(param) != ParamLevel {
		return Unhandled{Line: string(line)}, nil
	}

	channel, err := strconv.Atoi(parts[3])
	if err != nil || channel < 0 {
		return nil, parseError(line, "malformed channel index")
	}

	value, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, parseError(line, "non-numeric value")
	}

	n := StateNotify{
		Kind:      kind,
		Channel:   channel,
		Parameter: Parameter(param),
		Value:     value,
	}

	switch Parameter(param) {
	case ParamPower:
		on := value != 0
		n.Power = &on
	case ParamLevel:
		muted := value == MuteLevel
		n.Muted = &muted
		if !muted {
			db := float64(value) / 100
			n.VolumeDB = &db
		}
	}

	return n, nil
}

func parseError(line []byte, reason string) *ParseError {
	return &ParseError{Data: clone(line), Reason: reason}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// StreamDecoder accumulates bytes from a stream and yields decoded messages.
//
// A message split across any number of Write calls decodes exactly as if it
// had arrived in one piece.
//
// Thread Safety: not safe for concurrent use; owned by the receive loop.
type StreamDecoder struct {
	buf        []byte
	discarding bool
}

// Write appends received bytes. It never fails.
func (d *StreamDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete message.
//
// Returns ErrNeedMoreData when the buffered bytes hold no complete line,
// or a *ParseError for a malformed line (already discarded).
func (d *StreamDecoder) Next() (Message, error) {
	if d.discarding {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			d.buf = d.buf[:0]
			return nil, ErrNeedMoreData
		}
		d.consume(i + 1)
		d.discarding = false
	}

	if len(d.buf) > MaxLineLength && bytes.IndexByte(d.buf, '\n') < 0 {
		perr := &ParseError{Data: clone(d.buf[:MaxLineLength]), Reason: "line exceeds maximum length"}
		d.buf = d.buf[:0]
		d.discarding = true
		return nil, perr
	}

	msg, n, err := Decode(d.buf)
	// An overlong line behind blank lines is cut before its terminator;
	// the rest of it must be dropped, not parsed.
	unterminated := err != nil && n > 0 && d.buf[n-1] != '\n'
	d.consume(n)
	if unterminated {
		d.discarding = true
	}
	return msg, err
}

// Buffered returns the number of undecoded bytes.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

func (d *StreamDecoder) consume(n int) {
	if n <= 0 {
		return
	}
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}
