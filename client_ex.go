package elock

import (
	"fmt"
	"strconv"

	"github.com/jimsnab/go-lane"
)

// ExClient adds the commands of extended eLock servers to a Client.
type ExClient struct {
	*Client
}

func NewExClient(l lane.Lane, host string) (*ExClient, error) {
	return NewExClientWithConfig(l, ClientConfig{Host: host})
}

func NewExClientWithConfig(l lane.Lane, cfg ClientConfig) (*ExClient, error) {
	c, err := NewClientWithConfig(l, cfg)
	if err != nil {
		return nil, err
	}
	return &ExClient{Client: c}, nil
}

// Locks the key to be equal to value. Several sessions can share the
// lock of a key on the same value, but a key is locked to only one value
// at a time.
//
// If the key is locked to another value, the server waits up to timeout
// seconds for it to be released. Returns true if the key was locked, or
// false if it remains locked to another value.
func (c *ExClient) LockValue(key, value string, timeout int) (bool, error) {
	return c.lockCommand(
		fmt.Sprintf("lock_value '%s' '%s'", key, value),
		timeout,
		false,
		"lock_value", NormalizeKey(key), NormalizeKey(value), strconv.Itoa(timeout),
	)
}

// Returns the server's sessions, locks and pending lock requests.
func (c *ExClient) Debug() (info *DebugInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log("getting debug info")
	c.cxn.setReadTimeout(c.cfg.ReadTimeout)

	resp, err := c.sendCommand("debug")
	if err != nil {
		return
	}
	if resp.Code != codeOK {
		err = newUnexpectedResponse("get debug info", resp)
		return
	}

	di := newDebugInfo()
	if err = readBlock(c.cxn, blockEnd, di.decodeLine); err != nil {
		c.cxn.markBroken()
		return
	}
	info = di
	return
}
