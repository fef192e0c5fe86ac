package elock

import (
	"strconv"
	"strings"
)

// Stats holds the STAT lines of a stats response. The server decides which
// fields it reports, so the set of names is open.
type Stats map[string]int64

func (s Stats) Clients() int64 {
	return s["clients"]
}

func (s Stats) Locks() int64 {
	return s["locks"]
}

func (s Stats) Monitoring() int64 {
	return s["monitoring"]
}

// accepts exactly "STAT <name> <int>"
func (s Stats) decodeLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] != "STAT" || parts[1] == "" {
		return newUnexpectedResponse("fetch stats result", line)
	}

	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return newUnexpectedResponse("fetch stats result", line)
	}

	s[parts[1]] = n
	return nil
}
