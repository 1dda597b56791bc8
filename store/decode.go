package store

import (
	"fmt"
	"strconv"

	"tagredis/resp"
)

// Bytes decodes a bulk reply. ok is false for the null bulk string.
func Bytes(reply resp.Reply) (b []byte, ok bool, err error) {
	switch r := reply.(type) {
	case *resp.BulkReply:
		return r.Arg, r.Arg != nil, nil
	case *resp.StatusReply:
		return []byte(r.Status), true, nil
	case *resp.ErrorReply:
		return nil, false, r
	default:
		return nil, false, fmt.Errorf("expected bulk reply, got %T", reply)
	}
}

// Int decodes an integer reply.
func Int(reply resp.Reply) (int64, error) {
	switch r := reply.(type) {
	case *resp.IntReply:
		return r.Code, nil
	case *resp.BulkReply:
		n, err := strconv.ParseInt(string(r.Arg), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", r.Arg)
		}
		return n, nil
	case *resp.ErrorReply:
		return 0, r
	default:
		return 0, fmt.Errorf("expected integer reply, got %T", reply)
	}
}

// Strings decodes an array of bulk strings (SMEMBERS, KEYS, SINTER...).
// Null elements are skipped; a null array yields nil.
func Strings(reply resp.Reply) ([]string, error) {
	values, err := Values(reply)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != nil {
			out = append(out, string(v))
		}
	}
	return out, nil
}

// Values decodes an array reply keeping null elements as nil, as HMGET needs.
func Values(reply resp.Reply) ([][]byte, error) {
	switch r := reply.(type) {
	case *resp.MultiBulkReply:
		return r.Args, nil
	case *resp.ArrayReply:
		out := make([][]byte, len(r.Items))
		for i, item := range r.Items {
			b, _, err := Bytes(item)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case *resp.ErrorReply:
		return nil, r
	default:
		return nil, fmt.Errorf("expected array reply, got %T", reply)
	}
}
