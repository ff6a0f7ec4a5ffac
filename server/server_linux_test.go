//go:build linux

package server

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
	"pgregory.net/rapid"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/client"
)

const waitTimeout = 5 * time.Second

type sink struct {
	msgs   chan []byte
	closed chan error
}

func newSink() *sink {
	return &sink{msgs: make(chan []byte, 64), closed: make(chan error, 1)}
}

func (s *sink) OnOpen(*client.Client) {}

func (s *sink) OnMessage(_ *client.Client, msg []byte) {
	s.msgs <- append([]byte(nil), msg...)
}

func (s *sink) OnClose(_ *client.Client, err error) { s.closed <- err }

func (s *sink) recv(t testing.TB) []byte {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no message received")
		return nil
	}
}

func (s *sink) next(d time.Duration) ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-time.After(d):
		return nil, errors.New("no message received")
	}
}

func (s *sink) waitClosed(t testing.TB) error {
	t.Helper()
	select {
	case err := <-s.closed:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("client not closed")
		return nil
	}
}

func testName() string { return "svc-" + uuid.NewString() }

func newEchoServer(t *testing.T, name string, cfg gipc.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(name, cfg, opts...)
	assert.NilError(t, err)
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		_ = c.Send(msg)
	})
	assert.NilError(t, s.Listen())
	t.Cleanup(func() { assert.NilError(t, s.Close()) })
	return s
}

func dial(t *testing.T, name string, cfg gipc.Config) (*client.Client, *sink) {
	t.Helper()
	h := newSink()
	c, err := client.Dial(context.Background(), name, cfg, h)
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, h
}

func waitConnections(t *testing.T, s *Server, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := s.Connections(); got != n {
			return poll.Continue("%d connections, want %d", got, n)
		}
		return poll.Success()
	}, poll.WithTimeout(waitTimeout), poll.WithDelay(5*time.Millisecond))
}

func TestEcho(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	newEchoServer(t, name, cfg)

	c, h := dial(t, name, cfg)
	assert.NilError(t, c.Send([]byte("1234")))
	assert.Check(t, is.Equal(string(h.recv(t)), "1234"))
}

func TestEchoConcurrentClients(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s := newEchoServer(t, name, cfg)

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		c, h := dial(t, name, cfg)
		msg := []byte(uuid.NewString())
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				if err := c.Send(msg); err != nil {
					return err
				}
				got, err := h.next(waitTimeout)
				if err != nil {
					return err
				}
				if !bytes.Equal(got, msg) {
					return errors.Errorf("client got %q, want %q", got, msg)
				}
			}
			return nil
		})
	}
	assert.NilError(t, g.Wait())
	assert.Check(t, is.Equal(s.Connections(), 2))
}

func TestEchoRoundTripProperty(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	newEchoServer(t, name, cfg)
	c, h := dial(t, name, cfg)

	rapid.Check(t, func(rt *rapid.T) {
		msg := rapid.SliceOfN(rapid.Byte(), 1, cfg.InputBufferSize).Draw(rt, "msg")
		if err := c.Send(msg); err != nil {
			rt.Fatalf("send: %v", err)
		}
		if got := h.recv(t); !bytes.Equal(got, msg) {
			rt.Fatalf("echo mismatch: %d bytes back for %d sent", len(got), len(msg))
		}
	})
}

func TestFramedBatchEcho(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	cfg.Framing = gipc.FramingFramed
	cfg.CompressThreshold = 64
	newEchoServer(t, name, cfg)
	c, h := dial(t, name, cfg)

	msgs := [][]byte{[]byte("a"), []byte("bc"), bytes.Repeat([]byte("xyz"), 1000)}
	assert.NilError(t, c.SendBatch(msgs))
	for _, want := range msgs {
		assert.Check(t, bytes.Equal(h.recv(t), want))
	}
}

func TestConnectionCallbacksOnLoopThread(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s, err := New(name, cfg)
	assert.NilError(t, err)
	defer s.Close()

	var (
		mu     sync.Mutex
		events []string
		tids   = map[int]bool{}
		closed = make(chan error, 1)
	)
	note := func(ev string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		tids[unix.Gettid()] = true
	}
	s.SetConnectionCallback(func(c *Conn, err error) {
		if c.Connected() {
			c.SetContext("tag")
			note("open")
			return
		}
		note("close")
		closed <- err
	})
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		note("msg:" + string(msg) + ":" + c.Context().(string))
	})
	assert.NilError(t, s.Listen())

	cl, _ := dial(t, name, cfg)
	assert.NilError(t, cl.Send([]byte("hi")))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(events) < 2 {
			return poll.Continue("events %v", events)
		}
		return poll.Success()
	}, poll.WithTimeout(waitTimeout))
	assert.NilError(t, cl.Close())

	select {
	case err := <-closed:
		assert.NilError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("close notification not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Check(t, is.DeepEqual(events, []string{"open", "msg:hi:tag", "close"}))
	assert.Check(t, is.Len(tids, 1))
	assert.Check(t, is.Equal(s.Connections(), 0))
}

func TestBroadcast(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s := newEchoServer(t, name, cfg)
	_, h1 := dial(t, name, cfg)
	_, h2 := dial(t, name, cfg)
	waitConnections(t, s, 2)

	assert.Check(t, is.Equal(s.Broadcast([]byte("news")), 2))
	assert.Check(t, is.Equal(string(h1.recv(t)), "news"))
	assert.Check(t, is.Equal(string(h2.recv(t)), "news"))
}

func TestStopClosesConnections(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s := newEchoServer(t, name, cfg)
	closed := make(chan error, 1)
	s.SetConnectionCallback(func(c *Conn, err error) {
		if !c.Connected() {
			closed <- err
		}
	})
	_, h := dial(t, name, cfg)
	waitConnections(t, s, 1)

	s.Stop()
	assert.NilError(t, h.waitClosed(t))
	select {
	case err := <-closed:
		assert.NilError(t, err)
	default:
		t.Fatal("close notification must be delivered before Stop returns")
	}
	assert.Check(t, is.Equal(s.Connections(), 0))
}

func TestPayloadLimits(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s, err := New(name, cfg)
	assert.NilError(t, err)
	defer s.Close()

	sendErr := make(chan error, 1)
	closed := make(chan error, 1)
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		sendErr <- c.Send(make([]byte, cfg.MaxPayload+1))
	})
	s.SetConnectionCallback(func(c *Conn, err error) {
		if !c.Connected() {
			closed <- err
		}
	})
	assert.NilError(t, s.Listen())

	c, h := dial(t, name, cfg)
	assert.NilError(t, c.Send([]byte("x")))
	assert.Check(t, errors.Is(<-sendErr, gipc.ErrPayloadTooLarge))

	// 对端配置更宽松时，超长消息导致服务端断开该连接
	big := cfg
	big.MaxPayload = 2 * cfg.MaxPayload
	c2, h2 := dial(t, name, big)
	assert.NilError(t, c2.Send(make([]byte, cfg.MaxPayload+1)))
	select {
	case err := <-closed:
		assert.Check(t, errors.Is(err, gipc.ErrPayloadTooLarge), "got %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("oversized message did not close the connection")
	}
	assert.NilError(t, h2.waitClosed(t))
	_ = h
}

func TestMetrics(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	reg := prometheus.NewRegistry()
	s := newEchoServer(t, name, cfg, WithMetrics(reg))

	c, h := dial(t, name, cfg)
	assert.NilError(t, c.Send([]byte("1234")))
	h.recv(t)

	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.accepted), 1.0))
	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.active), 1.0))
	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.msgIn), 1.0))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if v := testutil.ToFloat64(s.metrics.msgOut); v != 1 {
			return poll.Continue("messages sent %v", v)
		}
		return poll.Success()
	}, poll.WithTimeout(waitTimeout))
	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.bytesIn), 4.0))

	n, err := testutil.GatherAndCount(reg, "gipc_server_connections_accepted_total", "gipc_server_connections_active")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 2))

	other, err := New(name+"-other", cfg, WithMetrics(reg))
	assert.NilError(t, err, "metrics are labelled per pipe")
	assert.NilError(t, other.Close())
	_, err = New(name, cfg, WithMetrics(reg))
	assert.Check(t, err != nil, "duplicate registration must fail")
}

func TestRestartOnAcceptorError(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	newEchoServer(t, name, cfg)

	reg := prometheus.NewRegistry()
	s, err := New(name, cfg, WithRestart(2), WithMetrics(reg))
	assert.NilError(t, err)
	defer s.Close()

	var (
		mu   sync.Mutex
		errs []error
	)
	s.SetExceptionCallback(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	assert.NilError(t, s.Listen())

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(errs) < 3 {
			return poll.Continue("%d exits", len(errs))
		}
		return poll.Success()
	}, poll.WithTimeout(waitTimeout))
	// 额度用完后不再重启
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Assert(t, is.Len(errs, 3))
	for _, err := range errs {
		assert.Check(t, gipc.IsConnectionError(err), "got %v", err)
	}
	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.errors), 3.0))
	assert.Check(t, is.Equal(testutil.ToFloat64(s.metrics.restarts), 2.0))
}

// waitRetired 在接入线程上等待至少 n 个连接的读写结束
func waitRetired(s *Server, n int) bool {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.retired)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func closeNotifications(s *Server) <-chan uint64 {
	closed := make(chan uint64, 8)
	s.SetConnectionCallback(func(c *Conn, _ error) {
		if !c.Connected() {
			closed <- c.ID
		}
	})
	return closed
}

func TestRestartFinishesConnectionClosedInFailedRun(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s, err := New(name, cfg, WithRestart(1))
	assert.NilError(t, err)
	defer s.Close()
	closed := closeNotifications(s)

	var victim atomic.Pointer[client.Client]
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		if string(msg) != "boom" {
			_ = c.Send(msg)
			return
		}
		victim.Load().Close()
		// victim 的收尾排进本轮队列后让循环异常退出
		waitRetired(s, 1)
		panic("boom")
	})
	assert.NilError(t, s.Listen())

	a, ha := dial(t, name, cfg)
	waitConnections(t, s, 1)
	b, _ := dial(t, name, cfg)
	victim.Store(b)
	waitConnections(t, s, 2)

	assert.NilError(t, a.Send([]byte("boom")))
	waitConnections(t, s, 1)
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("no close notification for the closed client")
	}

	assert.NilError(t, a.Send([]byte("ping")))
	assert.Check(t, is.Equal(string(ha.recv(t)), "ping"))
}

func TestRestartFinishesConnectionClosedBetweenRuns(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	s, err := New(name, cfg, WithRestart(1))
	assert.NilError(t, err)
	defer s.Close()
	closed := closeNotifications(s)

	var victim atomic.Pointer[client.Client]
	var once sync.Once
	s.SetExceptionCallback(func(err error) {
		if err == nil {
			return
		}
		// 循环已退出、尚未重启，此时 Post 失败
		once.Do(func() {
			victim.Load().Close()
			waitRetired(s, 1)
		})
	})
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		if string(msg) == "boom" {
			panic("boom")
		}
		_ = c.Send(msg)
	})
	assert.NilError(t, s.Listen())

	a, ha := dial(t, name, cfg)
	waitConnections(t, s, 1)
	b, _ := dial(t, name, cfg)
	victim.Store(b)
	waitConnections(t, s, 2)

	assert.NilError(t, a.Send([]byte("boom")))
	waitConnections(t, s, 1)
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("no close notification for the closed client")
	}

	assert.NilError(t, a.Send([]byte("ping")))
	assert.Check(t, is.Equal(string(ha.recv(t)), "ping"))
}

func TestStopWhileRestarting(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	// 名字被占用，每轮循环都立即失败并重启
	newEchoServer(t, name, cfg)

	for i := 0; i < 20; i++ {
		s, err := New(name, cfg, WithRestart(1<<20))
		assert.NilError(t, err)
		assert.NilError(t, s.Listen())
		time.Sleep(time.Duration(i%4) * time.Millisecond)

		s.Stop()
		assert.Check(t, !s.acc.Listening(), "iteration %d: listening after Stop", i)
		time.Sleep(5 * time.Millisecond)
		assert.Check(t, !s.acc.Listening(), "iteration %d: restarted after Stop", i)
		assert.NilError(t, s.Close())
	}
}

func TestFramedSendBatchLimits(t *testing.T) {
	name := testName()
	cfg := gipc.DefaultConfig()
	cfg.Framing = gipc.FramingFramed
	cfg.MaxPayload = 1024

	// 每条不超限但总量超出
	many := make([][]byte, 4)
	for i := range many {
		many[i] = make([]byte, cfg.MaxPayload)
	}
	oversized := [][]byte{[]byte("ok"), make([]byte, cfg.MaxPayload+1)}

	s, err := New(name, cfg)
	assert.NilError(t, err)
	defer s.Close()
	srvErrs := make(chan error, 2)
	s.SetMessageCallback(func(c *Conn, msg []byte) {
		srvErrs <- c.SendBatch(oversized)
		srvErrs <- c.SendBatch(many)
		_ = c.SendBatch([][]byte{msg, msg})
	})
	assert.NilError(t, s.Listen())

	c, h := dial(t, name, cfg)
	err = c.SendBatch(oversized)
	assert.Check(t, errors.Is(err, gipc.ErrPayloadTooLarge), "got %v", err)
	err = c.SendBatch(many)
	assert.Check(t, errors.Is(err, gipc.ErrPayloadTooLarge), "got %v", err)

	assert.NilError(t, c.SendBatch([][]byte{[]byte("a")}))
	assert.Check(t, is.Equal(string(h.recv(t)), "a"))
	assert.Check(t, is.Equal(string(h.recv(t)), "a"))
	for i := 0; i < 2; i++ {
		assert.Check(t, errors.Is(<-srvErrs, gipc.ErrPayloadTooLarge))
	}
	assert.Check(t, is.Equal(s.Connections(), 1))
}
