package elock

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type (
	// one request and the lines sent back for it; hang holds the reply
	// back until the client goes away
	exchange struct {
		reply []string
		hang  bool
		raw   string
	}

	scriptedServer struct {
		mu       sync.Mutex
		cxn      net.Conn
		received []string
		done     chan struct{}
	}
)

func testScripted(t *testing.T, cfg ClientConfig, script ...exchange) (*ExClient, *scriptedServer, lane.TestingLane) {
	tl := lane.NewTestingLane(context.Background())
	clientSide, serverSide := net.Pipe()

	ss := &scriptedServer{cxn: serverSide, done: make(chan struct{})}
	go ss.run(script)

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.LockMargin == 0 {
		cfg.LockMargin = 5 * time.Second
	}
	c := &ExClient{Client: newClient(tl, newConnection(tl, clientSide), cfg.withDefaults())}

	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
		<-ss.done
	})
	return c, ss, tl
}

func (ss *scriptedServer) run(script []exchange) {
	defer close(ss.done)
	defer ss.cxn.Close()

	reader := bufio.NewReader(ss.cxn)
	for _, ex := range script {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		ss.mu.Lock()
		ss.received = append(ss.received, strings.TrimRight(line, "\n"))
		ss.mu.Unlock()

		if ex.hang {
			// wait for the client to close its side
			_, _ = reader.ReadString('\n')
			return
		}

		for _, reply := range ex.reply {
			if _, err = ss.cxn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
		if ex.raw != "" {
			_, _ = ss.cxn.Write([]byte(ex.raw))
			return
		}
	}
}

func (ss *scriptedServer) requests() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]string{}, ss.received...)
}

func (ss *scriptedServer) lastRequest(t *testing.T) string {
	reqs := ss.requests()
	if len(reqs) == 0 {
		t.Fatal("no request was received")
	}
	return reqs[len(reqs)-1]
}

func TestLockOutcomes(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 locked"}},
		exchange{reply: []string{"409 busy"}},
	)

	locked, err := c.Lock("foo", 5)
	if err != nil || !locked {
		t.Fatalf("expected lock to be acquired: %v %v", locked, err)
	}
	if ss.lastRequest(t) != "lock "+NormalizeKey("foo")+" 5" {
		t.Errorf("unexpected request %q", ss.lastRequest(t))
	}

	locked, err = c.Lock("foo", 0)
	if err != nil || locked {
		t.Fatalf("expected contention: %v %v", locked, err)
	}
	if ss.lastRequest(t) != "lock "+NormalizeKey("foo")+" 0" {
		t.Errorf("zero timeout must be sent literally, got %q", ss.lastRequest(t))
	}
}

func TestLockDeadlock(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{}, exchange{reply: []string{"423 cycle detected"}})

	locked, err := c.Lock("foo", 5)
	if locked {
		t.Error("deadlock reported as acquired")
	}
	var de *DeadlockError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeadlockError, got %v", err)
	}
	if de.Message != "cycle detected" {
		t.Errorf("unexpected message %q", de.Message)
	}
	if !errors.Is(err, ErrDeadlock) {
		t.Error("deadlock should match ErrDeadlock")
	}
}

func TestLockUnexpected(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"500 oops"}},
		exchange{reply: []string{"409"}},
	)

	_, err := c.Lock("foo", 5)
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
	if ure.Action != "lock 'foo'" || ure.Response != "500 oops" {
		t.Errorf("unexpected error detail %+v", ure)
	}

	_, err = c.Lock("foo", 5)
	if !errors.As(err, &ure) {
		t.Fatalf("a code without a message must not parse, got %v", err)
	}
}

func TestUnlock(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 unlocked"}},
		exchange{reply: []string{"403 not owner"}},
		exchange{reply: []string{"409 busy"}},
	)

	unlocked, err := c.Unlock("foo")
	if err != nil || !unlocked {
		t.Fatalf("expected release: %v %v", unlocked, err)
	}
	if ss.lastRequest(t) != "unlock "+NormalizeKey("foo") {
		t.Errorf("unexpected request %q", ss.lastRequest(t))
	}

	unlocked, err = c.Unlock("foo")
	if err != nil || unlocked {
		t.Fatalf("not-owner is a false result, not an error: %v %v", unlocked, err)
	}

	_, err = c.Unlock("foo")
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestSimpleCommands(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 OK"}},
		exchange{reply: []string{"200 OK"}},
		exchange{reply: []string{"200 OK"}},
		exchange{reply: []string{"200 session-42"}},
		exchange{reply: []string{"200 Goodbye"}},
	)

	if err := c.SetTimeout(1500); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if err := c.UnlockAll(); err != nil {
		t.Fatalf("unlock all: %v", err)
	}
	if err := c.SetSessionId("session-42"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	id, err := c.SessionId()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if id != "session-42" {
		t.Errorf("unexpected session id %q", id)
	}
	if err = c.Quit(); err != nil {
		t.Fatalf("quit: %v", err)
	}

	want := []string{"set_timeout 1500", "unlock_all", "conn_id session-42", "conn_id", "quit"}
	got := ss.requests()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("unexpected requests %v", got)
	}
}

func TestSimpleCommandsUnexpected(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"400 bad timeout"}},
		exchange{reply: []string{"500 no"}},
		exchange{reply: []string{"404 unknown"}},
		exchange{reply: []string{"403 no"}},
		exchange{reply: []string{"201 bye"}},
	)

	var ure *UnexpectedResponseError
	if err := c.SetTimeout(-1); !errors.As(err, &ure) {
		t.Errorf("set timeout: expected UnexpectedResponseError, got %v", err)
	}
	if err := c.UnlockAll(); !errors.As(err, &ure) {
		t.Errorf("unlock all: expected UnexpectedResponseError, got %v", err)
	}
	if _, err := c.SessionId(); !errors.As(err, &ure) {
		t.Errorf("get session: expected UnexpectedResponseError, got %v", err)
	}
	if err := c.SetSessionId("x"); !errors.As(err, &ure) {
		t.Errorf("set session: expected UnexpectedResponseError, got %v", err)
	}
	if err := c.Quit(); !errors.As(err, &ure) {
		t.Errorf("quit: expected UnexpectedResponseError, got %v", err)
	}
}

func TestSetSessionIdUnsafe(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{})

	if err := c.SetSessionId("has a space"); err == nil {
		t.Error("unsafe session id was accepted")
	}
	if len(ss.requests()) != 0 {
		t.Error("unsafe session id reached the wire")
	}
}

func TestStats(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 OK", "STAT clients 3", "STAT locks 10", "STAT uptime 99", "END"}},
		exchange{reply: []string{"200 OK"}},
	)

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Clients() != 3 || stats.Locks() != 10 || stats["uptime"] != 99 {
		t.Errorf("unexpected stats %v", stats)
	}

	// the whole block was consumed, so the next exchange is in step
	if err = c.UnlockAll(); err != nil {
		t.Errorf("command after stats: %v", err)
	}
}

func TestStatsMalformed(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 OK", "STAT clients 3", "STAT locks abc", "END"}},
	)

	_, err := c.Stats()
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
	if ure.Response != "STAT locks abc" {
		t.Errorf("unexpected offending line %q", ure.Response)
	}

	_, err = c.Lock("foo", 0)
	if !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("a partly read block must retire the connection, got %v", err)
	}
}

func TestStatsRejected(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{}, exchange{reply: []string{"500 nope"}})

	_, err := c.Stats()
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestLockValue(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 locked"}},
		exchange{reply: []string{"409 busy"}},
		exchange{reply: []string{"423 cycle"}},
	)

	locked, err := c.LockValue("foo", "bar", 3)
	if err != nil || !locked {
		t.Fatalf("expected value lock: %v %v", locked, err)
	}
	if ss.lastRequest(t) != "lock_value "+NormalizeKey("foo")+" "+NormalizeKey("bar")+" 3" {
		t.Errorf("unexpected request %q", ss.lastRequest(t))
	}

	locked, err = c.LockValue("foo", "baz", 0)
	if err != nil || locked {
		t.Fatalf("expected contention: %v %v", locked, err)
	}

	_, err = c.LockValue("foo", "baz", 0)
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("value locks have no deadlock code, expected UnexpectedResponseError, got %v", err)
	}
	if ure.Action != "lock_value 'foo' 'baz'" {
		t.Errorf("unexpected action %q", ure.Action)
	}
	if errors.Is(err, ErrDeadlock) {
		t.Error("value lock reported a deadlock")
	}
}

func TestDebug(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 OK", `SESSION {"id":1}`, "SESSION not-json", "LOCK foo->bar", "REQUEST baz", "END"}},
		exchange{reply: []string{"200 OK", "WATCH foo", "END"}},
	)

	info, err := c.Debug()
	if err != nil {
		t.Fatalf("debug: %v", err)
	}
	if ss.lastRequest(t) != "debug" {
		t.Errorf("unexpected request %q", ss.lastRequest(t))
	}
	if len(info.Sessions) != 2 || info.Sessions[1] != nil {
		t.Errorf("unexpected sessions %v", info.Sessions)
	}
	if m, is := info.Sessions[0].(map[string]any); !is || m["id"] != float64(1) {
		t.Errorf("unexpected session %v", info.Sessions[0])
	}
	if len(info.Locks) != 1 || info.Locks[0] != "foo->bar" {
		t.Errorf("unexpected locks %v", info.Locks)
	}
	if len(info.LockRequests) != 1 || info.LockRequests[0] != "baz" {
		t.Errorf("unexpected requests %v", info.LockRequests)
	}

	_, err = c.Debug()
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestReadTimeout(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{LockMargin: 100 * time.Millisecond}, exchange{hang: true})

	started := time.Now()
	_, err := c.Lock("foo", 0)
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if !ioe.Timeout() {
		t.Errorf("expected a timeout, got %v", ioe.Err)
	}
	if time.Since(started) > 3*time.Second {
		t.Errorf("read took %s", time.Since(started))
	}

	_, err = c.Unlock("foo")
	if !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("expected the connection to be retired, got %v", err)
	}
}

func TestLockReadTimeoutBudget(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{LockMargin: 60 * time.Second})

	if c.lockReadTimeout(5) != 65*time.Second {
		t.Errorf("unexpected budget %s", c.lockReadTimeout(5))
	}
	if c.lockReadTimeout(0) != 60*time.Second {
		t.Errorf("unexpected budget %s", c.lockReadTimeout(0))
	}
	if c.lockReadTimeout(-30) != 60*time.Second {
		t.Errorf("a negative wait must not shrink the margin, got %s", c.lockReadTimeout(-30))
	}
}

func TestPeerClosedMidLine(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{}, exchange{raw: "200 lock"})

	_, err := c.Lock("foo", 0)
	var ure *UnexpectedResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestPeerClosed(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{})

	_, err := c.Lock("foo", 0)
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, _, tl := testScripted(t, ClientConfig{})

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if strings.Count(tl.EventsToString(), "closing connection") != 1 {
		t.Errorf("expected a single close, log:\n%s", tl.EventsToString())
	}

	if _, err := c.Lock("foo", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseInterruptsCommand(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{}, exchange{hang: true})

	result := make(chan error, 1)
	go func() {
		_, err := c.Lock("foo", 30)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-result:
		if err == nil {
			t.Error("interrupted lock reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not interrupt the blocked command")
	}
}

func TestProtocolTrace(t *testing.T) {
	c, _, tl := testScripted(t, ClientConfig{}, exchange{reply: []string{"200 locked"}})

	if _, err := c.Lock("foo", 1); err != nil {
		t.Fatalf("lock: %v", err)
	}

	events := tl.EventsToString()
	for _, want := range []string{
		"[elock] attempting to lock 'foo' with timeout of 1 seconds",
		"[elock] REQUEST lock " + NormalizeKey("foo") + " 1",
		"[elock] RESPONSE 200 locked",
	} {
		if !strings.Contains(events, want) {
			t.Errorf("missing log line %q in:\n%s", want, events)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	c, _, _ := testScripted(t, ClientConfig{Metrics: m},
		exchange{reply: []string{"200 locked"}},
		exchange{reply: []string{"409 busy"}},
		exchange{reply: []string{"403 not owner"}},
	)

	c.Lock("foo", 0)
	c.Lock("foo", 0)
	c.Unlock("bar")

	if v := testutil.ToFloat64(m.outcomes.WithLabelValues("lock", outcomeAcquired)); v != 1 {
		t.Errorf("acquired = %v", v)
	}
	if v := testutil.ToFloat64(m.outcomes.WithLabelValues("lock", outcomeContended)); v != 1 {
		t.Errorf("contended = %v", v)
	}
	if v := testutil.ToFloat64(m.outcomes.WithLabelValues("unlock", outcomeNotOwner)); v != 1 {
		t.Errorf("not owner = %v", v)
	}
	if v := testutil.ToFloat64(m.commands.WithLabelValues("lock", "409")); v != 1 {
		t.Errorf("lock 409 = %v", v)
	}

	if _, err = NewMetrics(reg); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestConnectionRefused(t *testing.T) {
	// claim a port, then release it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = NewClientWithConfig(lane.NewTestingLane(context.Background()), ClientConfig{Host: "127.0.0.1", Port: port})
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if ce.Errno == 0 {
		t.Errorf("expected the OS error number, got %v", ce)
	}
	if !strings.HasPrefix(ce.Error(), "failed to open connection to eLock server: (") {
		t.Errorf("unexpected message %q", ce.Error())
	}
}

func TestConnectionErrorMessage(t *testing.T) {
	ce := &ConnectionError{Address: "example:11400", Errno: 111, Err: errors.New("connection refused")}
	if ce.Error() != "failed to open connection to eLock server: (111) connection refused" {
		t.Errorf("unexpected message %q", ce.Error())
	}
}

func TestSendCommandRejectsBlocks(t *testing.T) {
	c, ss, _ := testScripted(t, ClientConfig{},
		exchange{reply: []string{"200 OK"}},
		exchange{reply: []string{"200 locked"}},
	)

	for _, cmd := range []string{"stats", "debug"} {
		if _, err := c.SendCommand(cmd); !errors.Is(err, ErrBlockCommand) {
			t.Errorf("%s: expected ErrBlockCommand, got %v", cmd, err)
		}
	}

	resp, err := c.SendCommand("unlock_all")
	if err != nil || resp.Code != codeOK {
		t.Fatalf("raw command failed: %v %v", resp, err)
	}

	locked, err := c.Lock("foo", 0)
	if err != nil || !locked {
		t.Fatalf("stream out of step after a refused block command: %v %v", locked, err)
	}

	reqs := ss.requests()
	if len(reqs) != 2 || reqs[0] != "unlock_all" {
		t.Errorf("block commands must not reach the server, got %v", reqs)
	}
}

func TestLockReadTimeoutSaturates(t *testing.T) {
	c, _, _ := testScripted(t, ClientConfig{LockMargin: 60 * time.Second})

	if c.lockReadTimeout(math.MaxInt) != time.Duration(math.MaxInt64) {
		t.Errorf("expected a saturated budget, got %s", c.lockReadTimeout(math.MaxInt))
	}

	largest := int((math.MaxInt64 - int64(60*time.Second)) / int64(time.Second))
	if c.lockReadTimeout(largest) < 60*time.Second {
		t.Errorf("budget wrapped around: %s", c.lockReadTimeout(largest))
	}
	if c.lockReadTimeout(largest+1) != time.Duration(math.MaxInt64) {
		t.Errorf("expected a saturated budget, got %s", c.lockReadTimeout(largest+1))
	}
}

func TestWriteTimeout(t *testing.T) {
	tl := lane.NewTestingLane(context.Background())
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	// the peer never reads, so the request write cannot complete
	cfg := ClientConfig{ReadTimeout: 100 * time.Millisecond}.withDefaults()
	c := newClient(tl, newConnection(tl, clientSide), cfg)
	defer c.Close()

	started := time.Now()
	err := c.UnlockAll()
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if ioe.Op != "write" || !ioe.Timeout() {
		t.Errorf("expected a write timeout, got %v", ioe)
	}
	if time.Since(started) > 3*time.Second {
		t.Errorf("write took %s", time.Since(started))
	}

	if err = c.UnlockAll(); !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("expected the connection to be retired, got %v", err)
	}
}
