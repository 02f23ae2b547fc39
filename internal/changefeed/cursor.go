package changefeed

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a position in the upstream write-ahead log.
type LSN uint64

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// ParseLSN parses the textual "XXX/XXX" form.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, fmt.Errorf("invalid lsn %q", s)
	}
	upper, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	lower, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return LSN(upper<<32 | lower), nil
}

// Cursor tracks replication progress. All three positions only move forward
// and Received >= Applied >= Flushed always holds.
type Cursor struct {
	Received LSN
	Applied  LSN
	Flushed  LSN
}

// Receive records that the stream has delivered data up to pos.
func (c *Cursor) Receive(pos LSN) {
	if pos > c.Received {
		c.Received = pos
	}
}

// Commit marks everything up to pos as handed off downstream.
func (c *Cursor) Commit(pos LSN) {
	c.Receive(pos)
	if pos > c.Applied {
		c.Applied = pos
	}
	if pos > c.Flushed {
		c.Flushed = pos
	}
}

// Idle advances all positions to the server's WAL end. Only valid outside a
// transaction.
func (c *Cursor) Idle(walEnd LSN) {
	c.Commit(walEnd)
}

func (c Cursor) Valid() bool {
	return c.Received >= c.Applied && c.Applied >= c.Flushed
}
