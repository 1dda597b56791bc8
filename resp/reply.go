// RESP reply types shared by the client, the in-process store and the server.
// Every reply knows how to serialise itself; the parser produces the same types,
// so a reply read from the wire can be written back unchanged.
package resp

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	CRLF = "\r\n"
)

// Reply is implemented by every RESP value.
type Reply interface {
	ToBytes() []byte
}

// -----------------------------------
// Simple String: +OK\r\n
// -----------------------------------

type StatusReply struct {
	Status string
}

func MakeStatusReply(status string) *StatusReply {
	return &StatusReply{Status: status}
}

func (r *StatusReply) ToBytes() []byte {
	return []byte("+" + r.Status + CRLF)
}

// -----------------------------------
// Error: -ERR unknown command\r\n
// -----------------------------------

// ErrorReply doubles as a Go error so callers can return it directly.
type ErrorReply struct {
	Status string
}

func MakeErrReply(status string) *ErrorReply {
	return &ErrorReply{Status: status}
}

func (r *ErrorReply) ToBytes() []byte {
	return []byte("-" + r.Status + CRLF)
}

func (r *ErrorReply) Error() string {
	return r.Status
}

// Prefix returns the error kind, e.g. "WRONGTYPE" or "ERR".
func (r *ErrorReply) Prefix() string {
	if i := strings.IndexByte(r.Status, ' '); i > 0 {
		return r.Status[:i]
	}
	return r.Status
}

// -----------------------------------
// Integer: :1000\r\n
// -----------------------------------

type IntReply struct {
	Code int64
}

func MakeIntReply(code int64) *IntReply {
	return &IntReply{Code: code}
}

func (r *IntReply) ToBytes() []byte {
	return []byte(":" + strconv.FormatInt(r.Code, 10) + CRLF)
}

// -----------------------------------
// Bulk String: $6\r\nfoobar\r\n
//              $-1\r\n (NULL Bulk String)
// -----------------------------------

type BulkReply struct {
	Arg []byte
}

func MakeBulkReply(arg []byte) *BulkReply {
	return &BulkReply{Arg: arg}
}

func (r *BulkReply) ToBytes() []byte {
	if r.Arg == nil {
		return []byte("$-1" + CRLF)
	}
	return []byte("$" + strconv.Itoa(len(r.Arg)) + CRLF + string(r.Arg) + CRLF)
}

// -----------------------------------
// Array of bulk strings: *2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n
//                        *-1\r\n (NULL Array)
// -----------------------------------

// MultiBulkReply is an array whose elements are all bulk strings. Commands are
// sent in this shape and most multi-value replies (SMEMBERS, HMGET, KEYS) use it.
// Args == nil encodes the null array, an empty non-nil slice the empty array.
type MultiBulkReply struct {
	Args [][]byte
}

func MakeMultiBulkReply(args [][]byte) *MultiBulkReply {
	return &MultiBulkReply{Args: args}
}

func (r *MultiBulkReply) ToBytes() []byte {
	var buf bytes.Buffer
	argLen := len(r.Args)
	if argLen == 0 && r.Args == nil {
		return []byte("*-1" + CRLF)
	}

	buf.WriteString("*" + strconv.Itoa(argLen) + CRLF)
	for _, arg := range r.Args {
		if arg == nil {
			buf.WriteString("$-1" + CRLF)
		} else {
			buf.WriteString("$" + strconv.Itoa(len(arg)) + CRLF + string(arg) + CRLF)
		}
	}
	return buf.Bytes()
}

// IsNull reports whether r is the null array (an aborted EXEC, for instance).
func (r *MultiBulkReply) IsNull() bool {
	return r.Args == nil
}

// -----------------------------------
// Array of arbitrary replies: EXEC results mix integers, statuses and bulks.
// -----------------------------------

type ArrayReply struct {
	Items []Reply
}

func MakeArrayReply(items []Reply) *ArrayReply {
	return &ArrayReply{Items: items}
}

func (r *ArrayReply) ToBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("*" + strconv.Itoa(len(r.Items)) + CRLF)
	for _, item := range r.Items {
		if item == nil {
			buf.WriteString("$-1" + CRLF)
			continue
		}
		buf.Write(item.ToBytes())
	}
	return buf.Bytes()
}

var (
	OkReply        = MakeStatusReply("OK")
	PongReply      = MakeStatusReply("PONG")
	QueuedReply    = MakeStatusReply("QUEUED")
	NullBulkReply  = MakeBulkReply(nil)
	NullArrayReply = MakeMultiBulkReply(nil)
)

// MakeCommand encodes args as the array of bulk strings a client sends.
func MakeCommand(args ...[]byte) *MultiBulkReply {
	return MakeMultiBulkReply(args)
}

// IsError reports whether reply is a RESP error.
func IsError(reply Reply) bool {
	if reply == nil {
		return false
	}
	_, ok := reply.(*ErrorReply)
	return ok
}
