package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-elock"
	"github.com/jimsnab/go-lane"
	"golang.org/x/term"
)

type cmdContext struct {
	l lane.Lane
}

const (
	hostOption    = "[--host <string-host>]?Specify the eLock server host. The default is localhost."
	sessionOption = "[--session <string-id>]?Adopt an existing session id before running the command"
	traceOption   = "[--trace]?Enable protocol trace logging"
)

var portOption = fmt.Sprintf("[--port <int-port>]?Specify the eLock server port. The default is %d.", elock.DefaultPort)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		fnLock,
		"lock <string-key>?Locks key exclusively and holds the lock until a key is pressed",
		"[--timeout <int-seconds>]?Seconds to wait for another session to release the key. The default is 0.",
		hostOption,
		portOption,
		sessionOption,
		traceOption,
	)

	cl.RegisterCommand(
		fnLockValue,
		"lockvalue <string-key> <string-value>?Locks key to value and holds the lock until a key is pressed",
		"[--timeout <int-seconds>]?Seconds to wait for the key to become available. The default is 0.",
		hostOption,
		portOption,
		sessionOption,
		traceOption,
	)

	cl.RegisterCommand(
		fnStats,
		"stats?Prints server statistics",
		hostOption,
		portOption,
		sessionOption,
		traceOption,
	)

	cl.RegisterCommand(
		fnDebug,
		"debug?Prints the server's sessions, locks and pending requests",
		hostOption,
		portOption,
		sessionOption,
		traceOption,
	)

	cl.RegisterCommand(
		fnSession,
		"session?Prints the id of the session created for this connection",
		hostOption,
		portOption,
		sessionOption,
		traceOption,
	)

	ctx := &cmdContext{l: lane.NewLogLane(context.Background())}

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.ProcessWithContext(ctx, args)
	if err != nil {
		cl.Help(err, "elock", args)
		os.Exit(1)
	}
}

func connect(args cmdline.Values) (c *elock.ExClient, err error) {
	ctx := args[""].(*cmdContext)

	if !args["--trace"].(bool) {
		ctx.l.SetLogLevel(lane.LogLevelInfo)
	}

	cfg := elock.ClientConfig{Host: "localhost"}
	if args["--host"].(bool) {
		cfg.Host = args["host"].(string)
	}
	if args["--port"].(bool) {
		cfg.Port = args["port"].(int)
	}

	if c, err = elock.NewExClientWithConfig(ctx.l, cfg); err != nil {
		return
	}

	if args["--session"].(bool) {
		if err = c.SetSessionId(args["id"].(string)); err != nil {
			c.Close()
			c = nil
		}
	}
	return
}

func lockTimeout(args cmdline.Values) int {
	if args["--timeout"].(bool) {
		return args["seconds"].(int)
	}
	return 0
}

func fnLock(args cmdline.Values) error {
	key := args["key"].(string)

	c, err := connect(args)
	if err != nil {
		return err
	}
	defer c.Close()

	locked, err := c.Lock(key, lockTimeout(args))
	if err != nil {
		return err
	}
	return holdLock(c, key, locked)
}

func fnLockValue(args cmdline.Values) error {
	key := args["key"].(string)
	value := args["value"].(string)

	c, err := connect(args)
	if err != nil {
		return err
	}
	defer c.Close()

	locked, err := c.LockValue(key, value, lockTimeout(args))
	if err != nil {
		return err
	}
	return holdLock(c, key, locked)
}

func holdLock(c *elock.ExClient, key string, locked bool) error {
	if !locked {
		fmt.Printf("'%s' is locked by another session\n", key)
		return nil
	}

	id, err := c.SessionId()
	if err != nil {
		return err
	}
	fmt.Printf("locked '%s' in session %s\n\nPress any key to unlock\n\n", key, id)
	waitForRelease()

	if _, err = c.Unlock(key); err != nil {
		return err
	}
	return c.Quit()
}

// Blocks until a key is pressed or an interrupt arrives.
func waitForRelease() {
	released := make(chan struct{}, 2)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	// Like the server's exit key monitor, this goroutine leaks when the
	// wait ends another way.
	go func() {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		b := make([]byte, 1)
		if _, err = os.Stdin.Read(b); err == nil {
			released <- struct{}{}
		}
	}()

	select {
	case <-released:
	case <-sigs:
	}
}

func fnStats(args cmdline.Values) error {
	c, err := connect(args)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%-12s %s\n", name, humanize.Comma(stats[name]))
	}
	return c.Quit()
}

func fnDebug(args cmdline.Values) error {
	c, err := connect(args)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.Debug()
	if err != nil {
		return err
	}

	fmt.Printf("sessions (%s)\n", humanize.Comma(int64(len(info.Sessions))))
	for _, s := range info.Sessions {
		data, _ := json.Marshal(s)
		fmt.Printf("  %s\n", data)
	}
	fmt.Printf("locks (%s)\n", humanize.Comma(int64(len(info.Locks))))
	for _, desc := range info.Locks {
		fmt.Printf("  %s\n", desc)
	}
	fmt.Printf("requests (%s)\n", humanize.Comma(int64(len(info.LockRequests))))
	for _, desc := range info.LockRequests {
		fmt.Printf("  %s\n", desc)
	}
	return c.Quit()
}

func fnSession(args cmdline.Values) error {
	c, err := connect(args)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.SessionId()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return c.Quit()
}
