package elock

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	codeOK         = 200
	codeNotOwner   = 403
	codeContended  = 409
	codeDeadlocked = 423

	blockEnd = "END"
)

type (
	// Response is one line of server response, split into the numeric
	// code and the message that follows it.
	Response struct {
		Code    int
		Message string
	}

	lineReader interface {
		readLine() (string, error)
	}
)

// Parses a "<code> <message>" line. The split happens at the first space
// only; the message may be empty but the space is required.
func DecodeResponse(line string) (resp Response, err error) {
	code, message, found := strings.Cut(line, " ")
	if !found {
		err = newUnexpectedResponse("parse response text", line)
		return
	}

	n, convErr := strconv.Atoi(code)
	if convErr != nil {
		err = newUnexpectedResponse("parse response text", line)
		return
	}

	resp = Response{Code: n, Message: message}
	return
}

func (r Response) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// Joins command tokens into a request line. Tokens must be non-empty and
// free of whitespace, which normalized keys always are.
func encodeCommand(parts ...string) (line string, err error) {
	if len(parts) == 0 {
		err = fmt.Errorf("empty command")
		return
	}
	for _, part := range parts {
		if part == "" || strings.IndexFunc(part, isUnsafeRune) >= 0 {
			err = fmt.Errorf("command token %q is not protocol safe", part)
			return
		}
	}

	line = strings.Join(parts, " ")
	return
}

func isUnsafeRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// Reads lines until one equals terminator, handing every other line to
// handler. A handler error stops the read, and the rest of the block is
// left unread.
func readBlock(r lineReader, terminator string, handler func(line string) error) error {
	for {
		line, err := r.readLine()
		if err != nil {
			return err
		}
		if line == terminator {
			return nil
		}
		if err = handler(line); err != nil {
			return err
		}
	}
}
