package elocktest

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

// The following client state machine progresses through the lifecycle
// of a client connection. A client processes only one command at a
// time.
const (
	csNone            cxnState = iota
	csInitialize               // can progress to csWaitForCommand or csTerminate
	csWaitForCommand           // can progress to csDispatchCommand or csTerminate
	csDispatchCommand          // can progress to csTerminate on an interruption, or csWaitForCommand after the reply is written
	csTerminate                // closes the client
)

// longest command line accepted before the client is dropped
const maxCommandLine = 64 * 1024

type (
	cxnState int

	clientStateEvent struct {
		newState  cxnState
		eventData any
	}

	// clientCxn holds state about the socket connection. It links
	// 1-to-1 to a clientState instance.
	clientCxn struct {
		cs          *clientState
		started     time.Time
		mu          sync.Mutex // synchronizes access to waiting, closing flags
		cxn         net.Conn
		reader      *bufio.Reader
		socketState cxnState
		csceCh      chan *clientStateEvent
		waiting     bool
		closing     bool
	}
)

func newClientCxn(l lane.Lane, cxn net.Conn, eng *mainEngine) *clientCxn {
	cc := &clientCxn{
		cxn:         cxn,
		reader:      bufio.NewReader(cxn),
		started:     time.Now(),
		socketState: csNone,
		csceCh:      make(chan *clientStateEvent, 3),
	}

	cc.cs = newClientState(l, eng, cc)

	cc.queueStateChange(csInitialize, nil)

	go cc.run()

	return cc
}

func (cc *clientCxn) queueStateChange(newState cxnState, eventData any) {
	cc.csceCh <- &clientStateEvent{
		newState:  newState,
		eventData: eventData,
	}
}

// request connection close
func (cc *clientCxn) RequestClose() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if !cc.closing {
		cc.closing = true
		if cc.waiting {
			// in a blocking read, close the socket
			cc.cxn.Close()
		}
		cc.queueStateChange(csTerminate, nil)
	}
}

func (cc *clientCxn) IsCloseRequested() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closing
}

func (cc *clientCxn) run() {
	for {
		event := <-cc.csceCh

		cc.socketState = event.newState
		switch cc.socketState {
		case csInitialize:
			cc.onInitialize()
		case csTerminate:
			cc.onTerminate()
			cc.cs.l.Tracef("client %d at %s terminated", cc.cs.id, cc.ClientAddr())
			return
		case csWaitForCommand:
			if cc.IsCloseRequested() {
				cc.queueStateChange(csTerminate, nil)
			} else {
				cc.onWaitForCommand()
			}
		case csDispatchCommand:
			cc.onDispatchCommand(event.eventData.(string))
		}
	}
}

func (cc *clientCxn) onTerminate() {
	cc.cxn.Close()
	cc.cs.unregister()
}

func (cc *clientCxn) onInitialize() {
	cc.queueStateChange(csWaitForCommand, nil)
}

func (cc *clientCxn) onWaitForCommand() {
	cc.mu.Lock()
	cc.waiting = true
	cc.mu.Unlock()

	raw, err := cc.reader.ReadString('\n')

	cc.mu.Lock()
	cc.waiting = false
	cc.mu.Unlock()

	if err != nil {
		if !errors.Is(err, io.EOF) {
			cc.cs.l.Debugf("read error from %s: %s", cc.ClientAddr(), err)
		} else {
			cc.cs.l.Infof("client disconnected: %s", cc.ClientAddr())
		}
		cc.queueStateChange(csTerminate, nil)
		return
	}

	if len(raw) > maxCommandLine {
		cc.cs.l.Infof("oversized command sent from client - terminating")
		cc.queueStateChange(csTerminate, nil)
		return
	}

	line := strings.TrimRight(raw, "\r\n")
	cc.cs.l.Tracef("received %d bytes of command data from client", len(raw))

	if strings.TrimSpace(line) == "" {
		cc.queueStateChange(csWaitForCommand, nil)
		return
	}
	cc.queueStateChange(csDispatchCommand, line)
}

func (cc *clientCxn) onDispatchCommand(line string) {
	go func() {
		reply, closeAfter := cc.cs.dispatch(line)

		var sb strings.Builder
		for _, r := range reply {
			sb.WriteString(r)
			sb.WriteString("\r\n")
		}

		n, err := io.WriteString(cc.cxn, sb.String())
		if err != nil {
			cc.cs.l.Debugf("write error: %s", err)
			cc.RequestClose()
			return
		}
		cc.cs.l.Tracef("wrote %d bytes", n)

		if closeAfter {
			cc.RequestClose()
		} else {
			cc.queueStateChange(csWaitForCommand, nil)
		}
	}()
}

func (cc *clientCxn) ServerAddr() string {
	return cc.cxn.LocalAddr().String()
}

func (cc *clientCxn) ClientAddr() string {
	return cc.cxn.RemoteAddr().String()
}
