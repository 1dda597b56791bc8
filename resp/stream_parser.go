// StreamParser reads one reply at a time from a connection.
// The client needs strict request/reply pairing on a reused connection, which the
// channel-based ParseStream cannot give.
package resp

import (
	"bufio"
	"io"
)

type StreamParser struct {
	reader *bufio.Reader
}

func NewStreamParser(r io.Reader) *StreamParser {
	return &StreamParser{reader: bufio.NewReader(r)}
}

// ReadReply blocks until one complete reply has been read.
func (p *StreamParser) ReadReply() (Reply, error) {
	line, err := readLine(p.reader)
	if err != nil {
		return nil, err
	}
	return parseLine(line, p.reader)
}

// ReadReplies reads exactly n replies, stopping at the first transport error.
// RESP error replies are values here, not errors.
func (p *StreamParser) ReadReplies(n int) ([]Reply, error) {
	out := make([]Reply, 0, n)
	for i := 0; i < n; i++ {
		r, err := p.ReadReply()
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
