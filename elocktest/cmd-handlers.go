package elocktest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jimsnab/go-cmdline"
)

func fnSetTimeout(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	ms := args["timeout"].(int)

	if ms < 0 {
		err = fmt.Errorf("timeout must not be negative")
		return
	}

	ctx.cs.eng.sessions.setGrace(ctx.cs.session(), time.Duration(ms)*time.Millisecond)
	ctx.reply = []string{"200 OK"}
	return
}

func lockReply(code int) string {
	switch code {
	case lockGranted:
		return "200 Lock acquired"
	case lockDeadlocked:
		return "423 Deadlock detected"
	default:
		return "409 Lock is held by another session"
	}
}

func waitDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func fnLock(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	key := args["key"].(string)
	timeout := args["timeout"].(int)

	s := ctx.cs.session()
	code := ctx.cs.eng.table.acquire(s.id, key, "", waitDuration(timeout), s.gone)
	ctx.reply = []string{lockReply(code)}
	return
}

func fnLockValue(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	key := args["key"].(string)
	value := args["value"].(string)
	timeout := args["timeout"].(int)

	s := ctx.cs.session()
	code := ctx.cs.eng.table.acquire(s.id, key, value, waitDuration(timeout), s.gone)
	ctx.reply = []string{lockReply(code)}
	return
}

func fnUnlock(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	key := args["key"].(string)

	if ctx.cs.eng.table.release(ctx.cs.session().id, key) {
		ctx.reply = []string{"200 Unlocked"}
	} else {
		ctx.reply = []string{"403 Lock is not held by this session"}
	}
	return
}

func fnUnlockAll(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)

	count := ctx.cs.eng.table.releaseAll(ctx.cs.session().id)
	ctx.l.Tracef("released %d locks", count)
	ctx.reply = []string{"200 OK"}
	return
}

func fnStats(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)

	attached, tracked := ctx.cs.eng.sessions.counts()
	snap := ctx.cs.eng.table.snapshot()

	ctx.reply = []string{
		"200 OK",
		fmt.Sprintf("STAT clients %d", attached),
		fmt.Sprintf("STAT locks %d", len(snap.records)),
		fmt.Sprintf("STAT monitoring %d", tracked),
		"END",
	}
	return
}

func fnConnId(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	id := args["id"].(string)

	current := ctx.cs.session()
	if id == "" {
		ctx.reply = []string{"200 " + current.id}
		return
	}

	adopted, ok := ctx.cs.eng.sessions.adopt(current, id)
	if !ok {
		ctx.reply = []string{"409 Session is in use by another connection"}
		return
	}
	if adopted != current {
		ctx.cs.eng.table.transfer(current.id, adopted.id)
		ctx.cs.setSession(adopted)
	}
	ctx.reply = []string{"200 OK"}
	return
}

func fnDebug(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)

	sessions := ctx.cs.eng.sessions.list()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Id < sessions[j].Id })
	snap := ctx.cs.eng.table.snapshot()

	reply := []string{"200 OK"}
	for _, info := range sessions {
		data, marshalErr := json.Marshal(info)
		if marshalErr != nil {
			err = marshalErr
			return
		}
		reply = append(reply, "SESSION "+string(data))
	}
	for _, rec := range snap.records {
		reply = append(reply, "LOCK "+rec.String())
	}

	waiting := make([]string, 0, len(snap.waits))
	for id, wait := range snap.waits {
		waiting = append(waiting, id+" "+wait.key)
	}
	sort.Strings(waiting)
	for _, w := range waiting {
		reply = append(reply, "REQUEST "+w)
	}

	ctx.reply = append(reply, "END")
	return
}

func fnQuit(args cmdline.Values) (err error) {
	ctx := args[""].(*cmdContext)
	ctx.reply = []string{"200 Goodbye"}
	ctx.closeAfter = true
	return
}
