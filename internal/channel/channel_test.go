package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoPayload struct {
	Value string `json:"value"`
}

func TestRequestResponseRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	d.Register("ECHO", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var in echoPayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return echoPayload{Value: in.Value + "!"}, nil
	})
	d.Start(ctx)
	defer d.Stop()

	port := NewPort(d, nil)
	var out echoPayload
	if err := port.Call(ctx, "ECHO", echoPayload{Value: "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Value != "hi!" {
		t.Errorf("Value = %q, want hi!", out.Value)
	}
}

func TestUnknownTypeIsHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	d.Start(ctx)
	defer d.Stop()

	port := NewPort(d, nil)
	_, err := port.Send(ctx, "NOPE", nil)

	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HandlerError", err)
	}
}

func TestHandlerFailureIsDistinguishable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	d.Register("FAIL", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("handler blew up")
	})
	d.Start(ctx)
	defer d.Stop()

	port := NewPort(d, nil)
	_, err := port.Send(ctx, "FAIL", nil)

	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HandlerError", err)
	}
	if he.Msg != "handler blew up" {
		t.Errorf("Msg = %q", he.Msg)
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		t.Error("handler failure must not look like non-delivery")
	}
}

func TestSendToStoppedDispatcherFailsFast(t *testing.T) {
	d := NewDispatcher()
	port := NewPort(d, nil)

	start := time.Now()
	_, err := port.Send(context.Background(), TypeGetSettings, nil)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if time.Since(start) > time.Second {
		t.Error("delivery failure should not hang")
	}
}

func TestWakeReactivatesReceivingEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	d.Register("ECHO", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		return echoPayload{Value: "alive"}, nil
	})

	woken := false
	port := NewPort(d, func() {
		woken = true
		d.Start(ctx)
	})

	var out echoPayload
	if err := port.Call(ctx, "ECHO", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer d.Stop()
	if !woken {
		t.Error("wake was not invoked for an idle receiving end")
	}
	if out.Value != "alive" {
		t.Errorf("Value = %q", out.Value)
	}
}

func TestMessagesProcessedOneAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	d := NewDispatcher()
	d.Register("WORK", func(context.Context, json.RawMessage) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	d.Start(ctx)
	defer d.Stop()

	port := NewPort(d, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := port.Send(ctx, "WORK", nil); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("maxInFlight = %d, want 1 (handlers must be serialized)", maxInFlight)
	}
}

func TestRestartAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	d.Register("ECHO", func(context.Context, json.RawMessage) (interface{}, error) {
		return echoPayload{Value: "ok"}, nil
	})
	port := NewPort(d, nil)

	d.Start(ctx)
	if _, err := port.Send(ctx, "ECHO", nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	d.Stop()
	// Give the worker time to observe the stop.
	deadline := time.Now().Add(time.Second)
	for d.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := port.Send(ctx, "ECHO", nil); err == nil {
		t.Fatal("Send after Stop should fail")
	}

	d.Start(ctx)
	defer d.Stop()
	if _, err := port.Send(ctx, "ECHO", nil); err != nil {
		t.Fatalf("Send after restart: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher()
	for i := 0; i < 50; i++ {
		d.Start(ctx)
		d.Stop()
		d.Stop()

		deadline := time.Now().Add(time.Second)
		for d.Running() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if d.Running() {
			t.Fatalf("iteration %d: worker did not stop", i)
		}
	}
}

func TestConcurrentStopsDoNotPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDispatcher()
	d.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.SetKeepaliveInterval(KeepaliveInterval)
	}()
	// Cancel races the worker's own teardown against the explicit Stops.
	cancel()
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for d.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Running() {
		t.Fatal("worker did not stop")
	}
}

func TestSendDuringStopWindowFailsFast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{})
	release := make(chan struct{})
	d := NewDispatcher()
	d.Register("BLOCK", func(context.Context, json.RawMessage) (interface{}, error) {
		close(entered)
		<-release
		return nil, nil
	})
	d.Start(ctx)

	port := NewPort(d, nil)
	first := make(chan error, 1)
	go func() {
		_, err := port.Send(ctx, "BLOCK", nil)
		first <- err
	}()
	<-entered

	// Stop while the worker is inside the handler: teardown has not run
	// yet, but a new Send must already fail as non-delivery instead of
	// landing in an inbox nothing will drain.
	d.Stop()
	_, err := port.Send(ctx, "BLOCK", nil)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("in-flight Send: %v", err)
	}
}

func TestShutdownFailsQueuedEnvelopes(t *testing.T) {
	d := NewDispatcher()
	inbox := make(chan envelope, 16)
	stopped := make(chan struct{})
	env := envelope{msg: Message{ID: "queued"}, reply: make(chan Response, 1)}
	inbox <- env

	d.shutdown(inbox, stopped)

	if _, ok := <-env.reply; ok {
		t.Fatal("queued envelope should be failed, not answered")
	}
}

func TestQueuedSendFailsAsDeliveryErrorOnStop(t *testing.T) {
	// A message still queued behind a busy worker when Stop arrives is
	// either processed (the worker wins the select) or drained; the
	// drained case must surface as non-delivery, never as a hang. The
	// select is nondeterministic, so loop until the drain path shows up.
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())

		entered := make(chan struct{}, 2)
		release := make(chan struct{})
		d := NewDispatcher()
		d.Register("BLOCK", func(context.Context, json.RawMessage) (interface{}, error) {
			entered <- struct{}{}
			<-release
			return nil, nil
		})
		d.Start(ctx)
		port := NewPort(d, nil)

		first := make(chan error, 1)
		go func() {
			_, err := port.Send(ctx, "BLOCK", nil)
			first <- err
		}()
		<-entered

		second := make(chan error, 1)
		go func() {
			_, err := port.Send(ctx, "BLOCK", nil)
			second <- err
		}()
		waitQueued(t, d, 1)

		d.Stop()
		close(release)

		if err := <-first; err != nil {
			t.Fatalf("iteration %d: in-flight Send: %v", i, err)
		}
		err := <-second
		cancel()
		if err == nil {
			// Worker picked the queued message up before teardown.
			continue
		}
		var de *DeliveryError
		if !errors.As(err, &de) {
			t.Fatalf("iteration %d: err = %v, want DeliveryError", i, err)
		}
		return
	}
	t.Fatal("drain path never observed")
}

func waitQueued(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		queued := len(d.inbox)
		d.mu.Unlock()
		if queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("message never queued")
}

func TestKeepaliveIsNotObservable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 16)
	d := NewDispatcher()
	d.SetKeepaliveInterval(5 * time.Millisecond)
	d.Register("ECHO", func(context.Context, json.RawMessage) (interface{}, error) {
		handled <- "ECHO"
		return nil, nil
	})
	d.Start(ctx)
	defer d.Stop()

	// Let several keepalive ticks pass.
	time.Sleep(30 * time.Millisecond)

	port := NewPort(d, nil)
	if _, err := port.Send(ctx, "ECHO", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	close(handled)
	for typ := range handled {
		if typ != "ECHO" {
			t.Errorf("observed unexpected message type %q", typ)
		}
	}
}
