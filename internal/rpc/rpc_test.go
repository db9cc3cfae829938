package rpc

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/exthost/internal/hosterr"
	"github.com/ehrlich-b/exthost/internal/sock"
	"github.com/ehrlich-b/exthost/internal/wire"
)

// pairedLayers wires two Layers together over an in-process net.Pipe,
// the way a real host/guest connection would be wired over a real
// socket.
func pairedLayers(t *testing.T) (*Layer, *Layer) {
	t.Helper()
	connA, connB := net.Pipe()

	la := &Layer{services: make(map[int32]*ServiceHandler), pending: make(map[uint64]*pendingCall), inboundCancels: make(map[uint64]chan struct{})}
	lb := &Layer{services: make(map[int32]*ServiceHandler), pending: make(map[uint64]*pendingCall), inboundCancels: make(map[uint64]chan struct{})}

	sa := sock.New(connA, "a", nil)
	sb := sock.New(connB, "b", nil)
	la.proto = wire.New(sa, la.HandleFrame)
	lb.proto = wire.New(sb, lb.HandleFrame)

	return la, lb
}

func decodeString(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func TestCallDispatchesToRegisteredMethod(t *testing.T) {
	caller, callee := pairedLayers(t)

	callee.RegisterService(1, &ServiceHandler{
		Methods: []MethodSpec{
			{
				Name:     "greet",
				Decoders: []Decoder{decodeString},
				Handler: func(args []any, cancel <-chan struct{}) (any, error) {
					return "hello " + args[0].(string), nil
				},
			},
		},
	})

	argsJSON, _ := json.Marshal([]string{"world"})
	result, err := caller.Call(1, 0, argsJSON, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestUnknownMethodRepliesErr(t *testing.T) {
	caller, callee := pairedLayers(t)
	callee.RegisterService(1, &ServiceHandler{Methods: []MethodSpec{}})

	_, err := caller.Call(1, 0, json.RawMessage(`[]`), nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	if hosterr.KindOf(err) != "RpcMethodNotFound" {
		t.Fatalf("kind = %s, want RpcMethodNotFound", hosterr.KindOf(err))
	}
}

func TestCorrelationMatchesRepliesRegardlessOfOrder(t *testing.T) {
	caller, callee := pairedLayers(t)

	callee.RegisterService(1, &ServiceHandler{
		Methods: []MethodSpec{
			{ // index 0: slow
				Decoders: []Decoder{},
				Handler: func(args []any, cancel <-chan struct{}) (any, error) {
					time.Sleep(80 * time.Millisecond)
					return "slow-result", nil
				},
			},
			{ // index 1: fast
				Decoders: []Decoder{},
				Handler: func(args []any, cancel <-chan struct{}) (any, error) {
					return "fast-result", nil
				},
			},
		},
	})

	var wg sync.WaitGroup
	var slowResult, fastResult string
	var slowErr, fastErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		raw, err := caller.Call(1, 0, json.RawMessage(`[]`), nil)
		slowErr = err
		if err == nil {
			json.Unmarshal(raw, &slowResult)
		}
	}()
	go func() {
		defer wg.Done()
		raw, err := caller.Call(1, 1, json.RawMessage(`[]`), nil)
		fastErr = err
		if err == nil {
			json.Unmarshal(raw, &fastResult)
		}
	}()
	wg.Wait()

	if slowErr != nil || fastErr != nil {
		t.Fatalf("errors: slow=%v fast=%v", slowErr, fastErr)
	}
	if slowResult != "slow-result" {
		t.Fatalf("slowResult = %q", slowResult)
	}
	if fastResult != "fast-result" {
		t.Fatalf("fastResult = %q", fastResult)
	}
}

func TestCancellationCompletesCallerWithoutValue(t *testing.T) {
	caller, callee := pairedLayers(t)
	started := make(chan struct{})

	callee.RegisterService(1, &ServiceHandler{
		Methods: []MethodSpec{
			{
				Decoders: []Decoder{},
				Handler: func(args []any, cancel <-chan struct{}) (any, error) {
					close(started)
					select {
					case <-cancel:
					case <-time.After(2 * time.Second):
					}
					return nil, hosterr.ErrRpcCancelled
				},
			},
		},
	})

	cancel := make(chan struct{})
	var result json.RawMessage
	var err error
	done := make(chan struct{})
	go func() {
		result, err = caller.Call(1, 0, json.RawMessage(`[]`), cancel)
		close(done)
	}()

	<-started
	time.Sleep(50 * time.Millisecond)
	close(cancel)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled call to complete")
	}
	if err == nil {
		t.Fatal("expected error from cancelled call")
	}
	if result != nil {
		t.Fatalf("expected no value from cancelled call, got %v", result)
	}
}
