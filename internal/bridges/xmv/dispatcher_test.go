package xmv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// writeRecorder captures what the dispatcher writes.
type writeRecorder struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (w *writeRecorder) write(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.lines = append(w.lines, string(data))
	return nil
}

func (w *writeRecorder) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

func setAck(channel int, param Parameter, value int) StateNotify {
	return StateNotify{Kind: KindSetAck, Channel: channel, Parameter: param, Value: value}
}

func TestDispatcherSendAcknowledged(t *testing.T) {
	w := &writeRecorder{}
	d := NewDispatcher(w.write, time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Send(context.Background(), SetPower{Channel: 4, On: true})
	}()

	waitFor(t, time.Second, "command written", func() bool { return d.PendingCount() == 1 })
	d.HandleNotify(setAck(4, ParamPower, 1))

	if err := <-errCh; err != nil {
		t.Errorf("Send() error = %v", err)
	}
	if got := w.Lines(); len(got) != 1 || got[0] != "set MTX:mem_512/60003/0/4/0/0/0 0 0 1\n" {
		t.Errorf("written = %q", got)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", d.PendingCount())
	}
}

func TestDispatcherPushDoesNotResolve(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, 50*time.Millisecond)

	p, err := d.Issue(context.Background(), SetPower{Channel: 4, On: true})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	push := setAck(4, ParamPower, 1)
	push.Kind = KindNotify
	d.HandleNotify(push)

	if err := d.Wait(context.Background(), p); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("Wait() error = %v, want ErrCommandTimeout", err)
	}
}

func TestDispatcherSupersede(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, time.Second)
	ctx := context.Background()

	first, err := d.Issue(ctx, SetVolume{Channel: 0, DB: -30})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	second, err := d.Issue(ctx, SetMute{Channel: 0, Muted: true})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := d.Wait(ctx, first); !errors.Is(err, ErrCommandSuperseded) {
		t.Errorf("first Wait() error = %v, want ErrCommandSuperseded", err)
	}

	// The echo of the older value must not resolve the newer command.
	d.HandleNotify(setAck(0, ParamLevel, -3000))
	if d.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", d.PendingCount())
	}

	d.HandleNotify(setAck(0, ParamLevel, MuteLevel))
	if err := d.Wait(ctx, second); err != nil {
		t.Errorf("second Wait() error = %v", err)
	}
}

func TestDispatcherDeviceError(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, time.Second)
	ctx := context.Background()

	older, _ := d.Issue(ctx, SetPower{Channel: 1, On: true})
	newer, _ := d.Issue(ctx, SetPower{Channel: 2, On: true})

	if !d.HandleError(DeviceError{Verb: "set", Reason: "UnknownAddress"}) {
		t.Fatal("HandleError() = false, want true")
	}

	err := d.Wait(ctx, older)
	if !errors.Is(err, ErrDeviceRejected) {
		t.Errorf("older Wait() error = %v, want ErrDeviceRejected", err)
	}
	if d.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want newer still pending", d.PendingCount())
	}

	if d.HandleError(DeviceError{Verb: "get", Reason: "x"}) {
		t.Error("HandleError(get) = true with no pending get")
	}

	d.HandleNotify(setAck(2, ParamPower, 1))
	if err := d.Wait(ctx, newer); err != nil {
		t.Errorf("newer Wait() error = %v", err)
	}
}

func TestDispatcherGetReplyResolvesAnyValue(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, time.Second)
	ctx := context.Background()

	p, _ := d.Issue(ctx, QueryVolume{Channel: 3})
	d.HandleNotify(StateNotify{Kind: KindGetReply, Channel: 3, Parameter: ParamLevel, Value: -4512})

	if err := d.Wait(ctx, p); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestDispatcherFailAll(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, time.Second)
	ctx := context.Background()

	a, _ := d.Issue(ctx, SetPower{Channel: 1, On: true})
	b, _ := d.Issue(ctx, QueryPower{Channel: 1})

	d.FailAll(ErrTransport)

	for _, p := range []*PendingCommand{a, b} {
		if err := d.Wait(ctx, p); !errors.Is(err, ErrTransport) {
			t.Errorf("Wait() error = %v, want ErrTransport", err)
		}
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", d.PendingCount())
	}
}

func TestDispatcherWriteError(t *testing.T) {
	w := &writeRecorder{err: ErrNotConnected}
	d := NewDispatcher(w.write, time.Second)

	if err := d.Send(context.Background(), SetPower{Channel: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after failed write", d.PendingCount())
	}
}

func TestDispatcherContextCancel(t *testing.T) {
	d := NewDispatcher((&writeRecorder{}).write, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := d.Send(ctx, SetPower{Channel: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want context.DeadlineExceeded", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", d.PendingCount())
	}
}
