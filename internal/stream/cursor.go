package stream

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for resume positions that are not log entry ids.
var ErrInvalidCursor = errors.New("invalid stream cursor")

// cursor is a parsed log entry id: "<ms>-<seq>", or "<ms>" meaning sequence 0.
type cursor struct {
	ms, seq uint64
}

func parseCursor(s string) (cursor, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return cursor{}, ErrInvalidCursor
	}
	var seq uint64
	if hasSeq {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return cursor{}, ErrInvalidCursor
		}
	}
	return cursor{ms: ms, seq: seq}, nil
}

func (c cursor) after(o cursor) bool {
	if c.ms != o.ms {
		return c.ms > o.ms
	}
	return c.seq > o.seq
}

// ValidateCursor checks a client supplied resume position. The empty string means "from the start".
func ValidateCursor(s string) error {
	if s == "" {
		return nil
	}
	_, err := parseCursor(s)
	return err
}
