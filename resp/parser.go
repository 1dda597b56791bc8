// RESP parser: Redis Serialization Protocol decoding for both directions.
// Built on bufio.Reader line reads plus fixed-length bulk reads, which copes with
// TCP coalescing and fragmentation; ParseStream yields one Payload per value.
package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrProtocol is wrapped by every malformed-input error.
var ErrProtocol = errors.New("protocol error")

// Payload is one parsed value or the error that ended the stream.
type Payload struct {
	Data Reply
	Err  error
}

// ParseStream continuously reads from reader and sends Payloads to channel
func ParseStream(reader io.Reader) <-chan *Payload {
	ch := make(chan *Payload)
	go parse0(reader, ch)
	return ch
}

func parse0(reader io.Reader, ch chan<- *Payload) {
	defer close(ch)
	bufReader := bufio.NewReader(reader)

	for {
		line, err := readLine(bufReader)
		if err != nil {
			if err == io.EOF {
				return
			}
			ch <- &Payload{Err: err}
			return
		}

		payload := &Payload{}
		payload.Data, payload.Err = parseLine(line, bufReader)

		ch <- payload
		if payload.Err != nil {
			return
		}
	}
}

func parseLine(line []byte, reader *bufio.Reader) (Reply, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrProtocol)
	}

	switch line[0] {
	case '*': // Array: *3\r\n
		return parseArray(line, reader)
	case '$': // Bulk String: $4\r\n
		return parseBulk(line, reader)
	case '+': // Simple String: +OK\r\n
		return MakeStatusReply(string(line[1:])), nil
	case '-': // Error: -ERR\r\n
		return MakeErrReply(string(line[1:])), nil
	case ':': // Integer: :1000\r\n
		val, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad integer %q", ErrProtocol, line[1:])
		}
		return MakeIntReply(val), nil
	default:
		// Inline commands (telnet) are not supported.
		return nil, fmt.Errorf("%w: unexpected %q", ErrProtocol, line)
	}
}

// parseArray keeps all-bulk arrays as MultiBulkReply (commands, SMEMBERS, HMGET)
// and falls back to ArrayReply when elements are mixed, as in EXEC results.
func parseArray(header []byte, reader *bufio.Reader) (Reply, error) {
	n, err := strconv.Atoi(string(header[1:]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad array length %q", ErrProtocol, header[1:])
	}
	if n < 0 {
		return MakeMultiBulkReply(nil), nil
	}

	items := make([]Reply, 0, n)
	allBulk := true
	for i := 0; i < n; i++ {
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		item, err := parseLine(line, reader)
		if err != nil {
			return nil, err
		}
		if _, ok := item.(*BulkReply); !ok {
			allBulk = false
		}
		items = append(items, item)
	}

	if !allBulk {
		return MakeArrayReply(items), nil
	}
	args := make([][]byte, 0, n)
	for _, item := range items {
		args = append(args, item.(*BulkReply).Arg)
	}
	return MakeMultiBulkReply(args), nil
}

func parseBulk(header []byte, reader *bufio.Reader) (*BulkReply, error) {
	n, err := strconv.Atoi(string(header[1:]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, header[1:])
	}
	if n == -1 {
		return MakeBulkReply(nil), nil
	}
	if n < -1 {
		return nil, fmt.Errorf("%w: bad bulk length %d", ErrProtocol, n)
	}

	// Read N bytes + \r\n
	body := make([]byte, n+2)
	_, err = io.ReadFull(reader, body)
	if err != nil {
		return nil, err
	}

	if body[n] != '\r' || body[n+1] != '\n' {
		return nil, fmt.Errorf("%w: bad bulk string format", ErrProtocol)
	}

	return MakeBulkReply(body[:n]), nil
}

func readLine(bufReader *bufio.Reader) ([]byte, error) {
	line, err := bufReader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) > 1 && line[len(line)-2] == '\r' {
		return line[:len(line)-2], nil
	}
	return nil, fmt.Errorf("%w: no CRLF", ErrProtocol)
}
