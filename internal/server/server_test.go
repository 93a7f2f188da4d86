package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/dbus-objects/internal/dbusx"
	"github.com/nikicat/dbus-objects/internal/testutil"
)

func newTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	srv := New(Config{BusAddress: addr})
	if err := srv.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { srv.Stop() }) //nolint:errcheck
	return srv
}

// startListening runs the dispatch loop on its own goroutine and blocks
// until it is actually receiving, so client calls cannot race the loop
// startup.
func startListening(t *testing.T, srv *Server) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(context.Background()) }()
	waitState(t, srv, StateListening)
	return errCh
}

func waitState(t *testing.T, srv *Server, want State) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if srv.State() == want {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server state %v, want %v", srv.State(), want)
}

func TestRequestNameRequiresConnection(t *testing.T) {
	srv := New(Config{})
	if err := srv.RequestName("com.example.object"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestRequestNameConflict(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)

	first := newTestServer(t, addr)
	if err := first.RequestName("com.example.object"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	second := newTestServer(t, addr)
	err := second.RequestName("com.example.object")
	if !errors.Is(err, ErrNameInUse) {
		t.Fatalf("got %v, want ErrNameInUse", err)
	}
	if second.Name() != "" {
		t.Errorf("failed claim left name %q set", second.Name())
	}

	// The failed claimant can still claim a different name.
	if err := second.RequestName("com.example.other"); err != nil {
		t.Errorf("claim of free name after conflict: %v", err)
	}
}

func TestSecondNameRequiresRelease(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)

	srv := newTestServer(t, addr)
	if err := srv.RequestName("com.example.one"); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.two"); err == nil {
		t.Fatal("claiming a second name without releasing should fail")
	}
	if err := srv.ReleaseName(); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.two"); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestStopBeforeConnectIsNoOp(t *testing.T) {
	srv := New(Config{})
	if err := srv.Stop(); err != nil {
		t.Errorf("stop before connect: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if srv.State() != StateStopped {
		t.Errorf("state %v, want stopped", srv.State())
	}
}

func TestDispatchMethodCall(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	var gotSender string
	err := srv.SetHandler("/path/subpath", "greetme", func(c *Call) (Reply, error) {
		gotSender = c.Sender
		name := "world"
		if len(c.Args) == 1 {
			if s, ok := c.Args[0].(string); ok {
				name = s
			}
		}
		return Reply{Signature: "s", Body: []any{"hello " + name}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	errCh := startListening(t, srv)

	client := testutil.Connect(t, addr)
	var greeting string
	err = client.Object("com.example.object", "/path/subpath").
		Call("greetme", 0, "world").Store(&greeting)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if greeting != "hello world" {
		t.Errorf("got %q, want %q", greeting, "hello world")
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("listen returned %v after stop", err)
	}
	if gotSender == "" {
		t.Error("handler saw no sender")
	}
}

func TestUnknownMethodDoesNotKillLoop(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	if err := srv.SetHandler("/obj", "Ping", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"pong"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	obj := client.Object("com.example.object", "/obj")

	err := obj.Call("doesnotexist", 0).Err
	var derr dbus.Error
	if !errors.As(err, &derr) {
		t.Fatalf("got %v, want a D-Bus error", err)
	}
	if derr.Name != dbusx.ErrUnknownMethod {
		t.Errorf("error name %q, want %q", derr.Name, dbusx.ErrUnknownMethod)
	}

	// The loop must keep serving after the failed call.
	var pong string
	if err := obj.Call("Ping", 0).Store(&pong); err != nil {
		t.Fatalf("call after unknown method: %v", err)
	}
	if pong != "pong" {
		t.Errorf("got %q, want pong", pong)
	}
}

func TestHandlerErrorNames(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	register := func(method string, h HandlerFunc) {
		t.Helper()
		if err := srv.SetHandler("/obj", method, h); err != nil {
			t.Fatal(err)
		}
	}
	register("Fails", func(*Call) (Reply, error) {
		return Reply{}, fmt.Errorf("backend unavailable")
	})
	register("CustomError", func(*Call) (Reply, error) {
		return Reply{}, dbusx.NewError("com.example.object.Denied", "not today")
	})
	register("Panics", func(*Call) (Reply, error) {
		panic("boom")
	})
	register("UnmarshalableErrorBody", func(*Call) (Reply, error) {
		return Reply{}, &dbus.Error{Name: "com.example.object.Odd", Body: []any{make(chan int)}}
	})
	register("BadReply", func(*Call) (Reply, error) {
		return Reply{Body: []any{"values without a signature"}}, nil
	})

	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	obj := client.Object("com.example.object", "/obj")

	cases := []struct {
		method      string
		wantName    string
		wantMessage string
	}{
		{"Fails", dbusx.ErrFailed, "backend unavailable"},
		{"CustomError", "com.example.object.Denied", "not today"},
		{"Panics", dbusx.ErrFailed, "handler panic: boom"},
		// The loop must survive an error body the marshaller cannot
		// represent; the later cases prove it is still serving.
		{"UnmarshalableErrorBody", dbusx.ErrFailed, "com.example.object.Odd"},
		{"BadReply", dbusx.ErrInvalidSignature, ""},
	}
	for _, tc := range cases {
		err := obj.Call(tc.method, 0).Err
		var derr dbus.Error
		if !errors.As(err, &derr) {
			t.Fatalf("%s: got %v, want a D-Bus error", tc.method, err)
		}
		if derr.Name != tc.wantName {
			t.Errorf("%s: error name %q, want %q", tc.method, derr.Name, tc.wantName)
		}
		if tc.wantMessage != "" {
			msg := fmt.Sprint(derr.Body...)
			if !strings.Contains(msg, tc.wantMessage) {
				t.Errorf("%s: error body %q, want it to contain %q", tc.method, msg, tc.wantMessage)
			}
		}
	}
}

func TestInterfaceQualifiedDispatch(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	if err := srv.SetHandler("/obj", "Get", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"default"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.SetInterfaceHandler("/obj", "com.example.Special", "Get", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"special"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	obj := client.Object("com.example.object", "/obj")

	var got string
	if err := obj.Call("com.example.Special.Get", 0).Store(&got); err != nil {
		t.Fatal(err)
	}
	if got != "special" {
		t.Errorf("qualified call got %q, want special", got)
	}
	if err := obj.Call("com.example.Plain.Get", 0).Store(&got); err != nil {
		t.Fatal(err)
	}
	if got != "default" {
		t.Errorf("unqualified-interface call got %q, want default", got)
	}
}

func TestCallsProcessedInArrivalOrder(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	var order []string
	if err := srv.SetHandler("/obj", "Record", func(c *Call) (Reply, error) {
		// The dispatch loop is single-threaded, so no locking needed.
		order = append(order, c.Args[0].(string))
		return Reply{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	obj := client.Object("com.example.object", "/obj")
	want := []string{"a", "b", "c", "d"}
	for _, tag := range want {
		if err := obj.Call("Record", 0, tag).Err; err != nil {
			t.Fatal(err)
		}
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(order) != len(want) {
		t.Fatalf("recorded %d calls, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d was %q, want %q", i, order[i], want[i])
		}
	}
}

func TestReRegistrationWhileServing(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	if err := srv.SetHandler("/obj", "Get", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"v1"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	obj := client.Object("com.example.object", "/obj")

	var got string
	if err := obj.Call("Get", 0).Store(&got); err != nil {
		t.Fatal(err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want v1", got)
	}

	// Replace the handler while the loop is live; the next call sees it.
	if err := srv.SetHandler("/obj", "Get", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"v2"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := obj.Call("Get", 0).Store(&got); err != nil {
		t.Fatal(err)
	}
	if got != "v2" {
		t.Errorf("got %q, want the replacement handler's reply", got)
	}
}

func TestIntrospect(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(srv.Registry().Set(Key{Path: "/obj", Method: "Plain"}, HandlerEntry{
		Handler:         func(*Call) (Reply, error) { return Reply{}, nil },
		ResultSignature: "si",
	}))
	must(srv.SetInterfaceHandler("/obj", "com.example.Iface", "Scoped", func(*Call) (Reply, error) {
		return Reply{}, nil
	}))
	must(srv.SetHandler("/obj/child", "Below", func(*Call) (Reply, error) {
		return Reply{}, nil
	}))
	must(srv.RequestName("com.example.object"))
	startListening(t, srv)

	client := testutil.Connect(t, addr)
	var xml string
	err := client.Object("com.example.object", "/obj").
		Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Store(&xml)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`<method name="Plain">`,
		`<arg type="s" direction="out"/>`,
		`<arg type="i" direction="out"/>`,
		`<interface name="com.example.Iface">`,
		`<method name="Scoped"/>`,
		`<interface name="org.freedesktop.DBus.Introspectable">`,
		`<node name="child"/>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("introspection output missing %s\n%s", want, xml)
		}
	}
}

func TestNameReleasedAfterStop(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)

	srv := newTestServer(t, addr)
	if err := srv.RequestName("com.example.object"); err != nil {
		t.Fatal(err)
	}
	startListening(t, srv)
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}

	successor := newTestServer(t, addr)
	if err := successor.RequestName("com.example.object"); err != nil {
		t.Errorf("name not reclaimable after stop: %v", err)
	}
}

func TestServerRestart(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	if err := srv.SetHandler("/obj", "Ping", func(*Call) (Reply, error) {
		return Reply{Signature: "s", Body: []any{"pong"}}, nil
	}); err != nil {
		t.Fatal(err)
	}

	for cycle := 0; cycle < 2; cycle++ {
		if err := srv.Connect(); err != nil {
			t.Fatalf("cycle %d connect: %v", cycle, err)
		}
		if err := srv.RequestName("com.example.object"); err != nil {
			t.Fatalf("cycle %d request name: %v", cycle, err)
		}
		errCh := startListening(t, srv)

		client := testutil.Connect(t, addr)
		var pong string
		err := client.Object("com.example.object", "/obj").Call("Ping", 0).Store(&pong)
		if err != nil {
			t.Fatalf("cycle %d call: %v", cycle, err)
		}
		if pong != "pong" {
			t.Fatalf("cycle %d got %q", cycle, pong)
		}

		if err := srv.Stop(); err != nil {
			t.Fatalf("cycle %d stop: %v", cycle, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("cycle %d listen: %v", cycle, err)
		}
	}
}

func TestListenContextCancel(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()
	waitState(t, srv, StateListening)

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return after context cancel")
	}
}

func TestListenTwiceFails(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)
	startListening(t, srv)

	if err := srv.Listen(context.Background()); err == nil {
		t.Error("second concurrent Listen should fail")
	}
}

func TestRequestNameWhileListeningFails(t *testing.T) {
	addr := testutil.StartDBusDaemon(t)
	srv := newTestServer(t, addr)
	startListening(t, srv)

	if err := srv.RequestName("com.example.object"); err == nil {
		t.Error("RequestName during Listen should fail; its reply cannot be routed")
	}
}
