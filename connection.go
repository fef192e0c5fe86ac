package elock

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

// The connection state only moves forward. An I/O failure leaves the
// stream out of step with the server, so a broken connection is not
// used again.
const (
	csNone   cxnState = iota
	csOpen            // can progress to csBroken or csClosed
	csBroken          // can progress to csClosed
	csClosed          // terminal
)

type (
	cxnState int

	// connection owns the socket to the eLock server. It carries one
	// request line and its response at a time.
	connection struct {
		l           lane.Lane
		mu          sync.Mutex // synchronizes access to state and cxn
		cxn         net.Conn
		reader      *bufio.Reader
		state       cxnState
		readTimeout time.Duration
	}
)

func openConnection(l lane.Lane, address string, dialTimeout time.Duration) (c *connection, err error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	cxn, dialErr := dialer.DialContext(l, "tcp", address)
	if dialErr != nil {
		l.Debugf("dial %s failed: %s", address, dialErr)
		err = newConnectionError(address, dialErr)
		return
	}

	l.Infof("connected to eLock server %s", cxn.RemoteAddr().String())
	c = newConnection(l, cxn)
	return
}

func newConnection(l lane.Lane, cxn net.Conn) *connection {
	return &connection{
		l:      l,
		cxn:    cxn,
		reader: bufio.NewReader(cxn),
		state:  csOpen,
	}
}

// Sets the I/O budget for the next exchange, applied to both the request
// write and the response read. Zero or less disables the deadlines.
func (c *connection) setReadTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = timeout
}

func (c *connection) usable(op string) error {
	switch c.state {
	case csOpen:
		return nil
	case csBroken:
		return &IOError{Op: op, Err: ErrConnectionBroken}
	default:
		return ErrClosed
	}
}

func (c *connection) writeLine(text string) error {
	c.mu.Lock()
	if err := c.usable("write"); err != nil {
		c.mu.Unlock()
		return err
	}
	cxn := c.cxn
	deadline := time.Time{}
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	c.mu.Unlock()

	// a peer that stops reading must not block the caller forever
	if err := cxn.SetWriteDeadline(deadline); err != nil {
		c.markBroken()
		return &IOError{Op: "write", Err: err}
	}

	if _, err := io.WriteString(cxn, text+"\n"); err != nil {
		c.l.Debugf("write error: %s", err)
		c.markBroken()
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Reads one response line with surrounding whitespace trimmed. The mutex
// is not held during the blocking read so that close can interrupt it.
func (c *connection) readLine() (line string, err error) {
	c.mu.Lock()
	if err = c.usable("read"); err != nil {
		c.mu.Unlock()
		return
	}
	cxn := c.cxn
	deadline := time.Time{}
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	c.mu.Unlock()

	if err = cxn.SetReadDeadline(deadline); err != nil {
		c.markBroken()
		err = &IOError{Op: "read", Err: err}
		return
	}

	raw, readErr := c.reader.ReadString('\n')
	if readErr != nil {
		c.markBroken()
		if errors.Is(readErr, io.EOF) && len(raw) > 0 {
			c.l.Debugf("server closed the connection mid-line: %q", raw)
			err = newUnexpectedResponse("read response line", raw)
			return
		}
		c.l.Debugf("read error: %s", readErr)
		err = &IOError{Op: "read", Err: readErr}
		return
	}

	line = strings.TrimSpace(raw)
	return
}

func (c *connection) markBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == csOpen {
		c.state = csBroken
	}
}

// Releases the socket. Only the first call has an effect.
func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == csClosed || c.state == csNone {
		return nil
	}
	c.state = csClosed

	c.l.Infof("closing connection to %s", c.cxn.RemoteAddr().String())
	err := c.cxn.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
