package elock

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

const (
	DefaultPort        = 11400
	DefaultDialTimeout = 10 * time.Second
	DefaultReadTimeout = 60 * time.Second
	DefaultLockMargin  = 60 * time.Second
)

type (
	// ClientConfig holds connection settings. Zero values select the
	// defaults.
	ClientConfig struct {
		Host string
		Port int

		DialTimeout time.Duration

		// read budget for commands that do not wait on the server
		ReadTimeout time.Duration

		// added to the lock wait so the server answers before the client
		// read gives up
		LockMargin time.Duration

		Metrics *Metrics
	}

	// Client manages one connection to an eLock server. Locks acquired
	// through it are held until unlocked or until the server releases
	// them after the connection is lost.
	Client struct {
		l       lane.Lane
		mu      sync.Mutex // one command in flight at a time
		cxn     *connection
		cfg     ClientConfig
		metrics *Metrics
	}
)

// Connects to the eLock server on host at the default port 11400.
func NewClient(l lane.Lane, host string) (*Client, error) {
	return NewClientWithConfig(l, ClientConfig{Host: host})
}

func NewClientWithConfig(l lane.Lane, cfg ClientConfig) (c *Client, err error) {
	if l == nil {
		l = lane.NewNullLane(context.Background())
	}
	cfg = cfg.withDefaults()

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	cxn, err := openConnection(l, address, cfg.DialTimeout)
	if err != nil {
		return
	}

	c = newClient(l, cxn, cfg)
	return
}

func newClient(l lane.Lane, cxn *connection, cfg ClientConfig) *Client {
	return &Client{
		l:       l,
		cxn:     cxn,
		cfg:     cfg,
		metrics: cfg.Metrics,
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.LockMargin <= 0 {
		cfg.LockMargin = DefaultLockMargin
	}
	return cfg
}

func (c *Client) log(format string, args ...any) {
	c.l.Debugf("[elock] "+format, args...)
}

// commands whose 200 response is followed by an END-terminated block
var blockCommands = map[string]bool{
	"stats": true,
	"debug": true,
}

// Executes a command and returns its single-line response. Commands
// answered with a multi-line block fail with ErrBlockCommand before
// anything is sent.
func (c *Client) SendCommand(parts ...string) (resp Response, err error) {
	if len(parts) > 0 && blockCommands[parts[0]] {
		err = fmt.Errorf("%w: %s", ErrBlockCommand, parts[0])
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cxn.setReadTimeout(c.cfg.ReadTimeout)
	return c.sendCommand(parts...)
}

func (c *Client) sendCommand(parts ...string) (resp Response, err error) {
	command, err := encodeCommand(parts...)
	if err != nil {
		return
	}

	started := time.Now()
	c.l.Tracef("[elock] REQUEST %s", command)
	if err = c.cxn.writeLine(command); err != nil {
		c.metrics.observeCommand(parts[0], 0, started)
		return
	}

	line, err := c.cxn.readLine()
	if err != nil {
		c.metrics.observeCommand(parts[0], 0, started)
		return
	}
	c.l.Tracef("[elock] RESPONSE %s", line)

	if resp, err = DecodeResponse(line); err != nil {
		c.metrics.observeCommand(parts[0], 0, started)
		return
	}
	c.metrics.observeCommand(parts[0], resp.Code, started)
	return
}

// Sends a command that expects a bare 200.
func (c *Client) simpleCommand(action string, parts ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cxn.setReadTimeout(c.cfg.ReadTimeout)
	resp, err := c.sendCommand(parts...)
	if err != nil {
		return err
	}
	if resp.Code != codeOK {
		return newUnexpectedResponse(action, resp)
	}
	return nil
}

// Sets the amount of time after a disconnect before the server frees all
// locks of this session. The server default is 30000 (30 seconds).
func (c *Client) SetTimeout(ms int) error {
	c.log("setting unlock timeout to %d milliseconds", ms)
	return c.simpleCommand(fmt.Sprintf("set unlock timeout to %d milliseconds", ms), "set_timeout", strconv.Itoa(ms))
}

// Executes a lock style command. The read deadline is extended beyond the
// server side wait so the server's answer is what ends the call.
func (c *Client) lockCommand(action string, timeout int, deadlocks bool, parts ...string) (locked bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log("attempting to %s with timeout of %d seconds", action, timeout)
	c.cxn.setReadTimeout(c.lockReadTimeout(timeout))

	resp, err := c.sendCommand(parts...)
	if err != nil {
		c.metrics.observeOutcome(parts[0], outcomeError)
		return
	}

	switch {
	case resp.Code == codeOK:
		c.metrics.observeOutcome(parts[0], outcomeAcquired)
		locked = true
	case resp.Code == codeContended:
		c.metrics.observeOutcome(parts[0], outcomeContended)
	case resp.Code == codeDeadlocked && deadlocks:
		c.metrics.observeOutcome(parts[0], outcomeDeadlock)
		err = &DeadlockError{Message: resp.Message}
	default:
		c.metrics.observeOutcome(parts[0], outcomeError)
		err = newUnexpectedResponse(action, resp)
	}
	return
}

func (c *Client) lockReadTimeout(timeout int) time.Duration {
	// saturate rather than overflow on very long waits
	if int64(timeout) > (math.MaxInt64-int64(c.cfg.LockMargin))/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	budget := time.Duration(timeout)*time.Second + c.cfg.LockMargin
	if budget < c.cfg.LockMargin {
		budget = c.cfg.LockMargin
	}
	return budget
}

// Locks the key with an exclusive lock. Only one session can hold the
// key at a time.
//
// If another session holds the lock, the server waits up to timeout
// seconds for it to be released. The timeout is passed to the server as
// given; zero asks the server not to wait.
//
// Returns true if the key was locked, false if it remains held by
// another session, or a *DeadlockError if waiting would deadlock. A lock
// is held until unlocked, released by UnlockAll, or the session ends.
func (c *Client) Lock(key string, timeout int) (bool, error) {
	return c.lockCommand(
		fmt.Sprintf("lock '%s'", key),
		timeout,
		true,
		"lock", NormalizeKey(key), strconv.Itoa(timeout),
	)
}

// Releases the lock on key. Returns false if the lock is not held by this
// session.
func (c *Client) Unlock(key string) (unlocked bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log("unlocking '%s'", key)
	c.cxn.setReadTimeout(c.cfg.ReadTimeout)

	resp, err := c.sendCommand("unlock", NormalizeKey(key))
	if err != nil {
		c.metrics.observeOutcome("unlock", outcomeError)
		return
	}

	switch resp.Code {
	case codeOK:
		c.metrics.observeOutcome("unlock", outcomeReleased)
		unlocked = true
	case codeNotOwner:
		c.metrics.observeOutcome("unlock", outcomeNotOwner)
	default:
		c.metrics.observeOutcome("unlock", outcomeError)
		err = newUnexpectedResponse(fmt.Sprintf("unlock '%s'", key), resp)
	}
	return
}

// Releases every lock this session holds.
func (c *Client) UnlockAll() error {
	c.log("unlocking all keys")
	return c.simpleCommand("unlock all keys", "unlock_all")
}

// Returns statistics of the eLock server and the current connection.
func (c *Client) Stats() (stats Stats, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log("getting stats")
	c.cxn.setReadTimeout(c.cfg.ReadTimeout)

	resp, err := c.sendCommand("stats")
	if err != nil {
		return
	}
	if resp.Code != codeOK {
		err = newUnexpectedResponse("get stats", resp)
		return
	}

	s := Stats{}
	if err = readBlock(c.cxn, blockEnd, s.decodeLine); err != nil {
		// the unread remainder of the block would be taken as later responses
		c.cxn.markBroken()
		return
	}
	stats = s
	return
}

// Returns the server's id of the current session.
func (c *Client) SessionId() (id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log("getting session ID")
	c.cxn.setReadTimeout(c.cfg.ReadTimeout)

	resp, err := c.sendCommand("conn_id")
	if err != nil {
		return
	}
	if resp.Code != codeOK {
		err = newUnexpectedResponse("get current session ID", resp)
		return
	}
	id = resp.Message
	return
}

// Adopts a session id, for example to reclaim the locks of an earlier
// connection before the server's unlock timeout expires.
func (c *Client) SetSessionId(id string) error {
	c.log("setting session ID to '%s'", id)
	return c.simpleCommand(fmt.Sprintf("set current session ID to '%s'", id), "conn_id", id)
}

// Asks the server to end the session. The connection still needs Close.
func (c *Client) Quit() error {
	c.log("sending quit command")
	return c.simpleCommand("quit", "quit")
}

// Closes the connection. The server releases this session's locks after
// the unlock timeout. Close may be called more than once, and may be
// called while another goroutine is blocked in a command, which then
// fails.
func (c *Client) Close() error {
	return c.cxn.close()
}
