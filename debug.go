package elock

import (
	"encoding/json"
	"strings"
)

type (
	// DebugInfo is the decoded result of a debug command. Sessions holds
	// the JSON value of each SESSION line, or nil where a line was not
	// valid JSON. Locks and LockRequests hold the raw descriptors.
	DebugInfo struct {
		Sessions     []any
		Locks        []string
		LockRequests []string
	}
)

func newDebugInfo() *DebugInfo {
	return &DebugInfo{
		Sessions:     []any{},
		Locks:        []string{},
		LockRequests: []string{},
	}
}

func (di *DebugInfo) decodeLine(line string) error {
	command, args, found := strings.Cut(line, " ")
	if !found {
		return newUnexpectedResponse("fetch debug info result", line)
	}

	switch command {
	case "SESSION":
		// an undecodable payload leaves a nil entry and the dump continues
		var session any
		if err := json.Unmarshal([]byte(args), &session); err != nil {
			session = nil
		}
		di.Sessions = append(di.Sessions, session)
	case "LOCK":
		di.Locks = append(di.Locks, args)
	case "REQUEST":
		di.LockRequests = append(di.LockRequests, args)
	default:
		return newUnexpectedResponse("fetch debug info result", line)
	}
	return nil
}
