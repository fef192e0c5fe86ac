package elocktest

import (
	"strings"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
)

type (
	cmdDispatcher struct {
		cmdLine *cmdline.CommandLine
	}

	cmdContext struct {
		l          lane.Lane
		cd         *cmdDispatcher
		cs         *clientState
		reply      []string
		closeAfter bool
	}
)

func newCmdDispatcher() *cmdDispatcher {
	cd := &cmdDispatcher{
		cmdLine: cmdline.NewCommandLine(),
	}

	cd.cmdLine.RegisterCommand(
		fnSetTimeout,
		"set_timeout <int-timeout>?Sets the time in milliseconds after a disconnect before the session's locks are freed",
	)

	cd.cmdLine.RegisterCommand(
		fnLock,
		"lock <string-key> <int-timeout>?Exclusively locks key, waiting up to timeout seconds while another session holds it",
	)

	cd.cmdLine.RegisterCommand(
		fnLockValue,
		"lock_value <string-key> <string-value> <int-timeout>?Locks key to value, shared with sessions locking the same value",
	)

	cd.cmdLine.RegisterCommand(
		fnUnlock,
		"unlock <string-key>?Releases the session's lock on key",
	)

	cd.cmdLine.RegisterCommand(
		fnUnlockAll,
		"unlock_all?Releases every lock of the session",
	)

	cd.cmdLine.RegisterCommand(
		fnStats,
		"stats?Reports server statistics",
	)

	cd.cmdLine.RegisterCommand(
		fnConnId,
		"conn_id [<string-id>]?Reports the session id, or adopts the specified session id",
	)

	cd.cmdLine.RegisterCommand(
		fnDebug,
		"debug?Dumps sessions, locks and pending lock requests",
	)

	cd.cmdLine.RegisterCommand(
		fnQuit,
		"quit?Ends the connection",
	)

	return cd
}

func (cd *cmdDispatcher) dispatchHandler(l lane.Lane, cs *clientState, line string) (reply []string, closeAfter bool) {
	ctx := &cmdContext{
		l:  l,
		cd: cd,
		cs: cs,
	}

	l.Tracef("request: %s", line)

	args := strings.Fields(line)
	if err := cd.cmdLine.ProcessWithContext(ctx, args); err != nil {
		// messages must stay on one line
		msg := strings.Join(strings.Fields(err.Error()), " ")
		ctx.reply = []string{"400 " + msg}
		ctx.closeAfter = false
	}

	for _, r := range ctx.reply {
		l.Tracef("response: %s", r)
	}
	return ctx.reply, ctx.closeAfter
}
