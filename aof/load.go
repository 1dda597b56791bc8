package aof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tagredis/resp"
)

// Load replays filename through apply, one Entry per command or per complete
// MULTI/EXEC batch. A missing file is an empty log. A batch cut short by a
// truncated tail is dropped; any other damage is an error.
func Load(filename string, apply func(Entry) error) error {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open aof: %w", err)
	}
	defer file.Close()

	index := 0
	var batch [][][]byte
	inMulti := false

	parser := resp.NewStreamParser(file)
	for {
		reply, err := parser.ReadReply()
		if err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("parse aof: %w", err)
		}
		mb, ok := reply.(*resp.MultiBulkReply)
		if !ok || len(mb.Args) == 0 {
			return fmt.Errorf("parse aof: unexpected %T", reply)
		}

		switch strings.ToUpper(string(mb.Args[0])) {
		case "SELECT":
			if len(mb.Args) != 2 {
				return fmt.Errorf("parse aof: bad SELECT")
			}
			n, err := strconv.Atoi(string(mb.Args[1]))
			if err != nil {
				return fmt.Errorf("parse aof: bad SELECT index %q", mb.Args[1])
			}
			index = n
		case "MULTI":
			inMulti = true
			batch = batch[:0]
		case "EXEC":
			if !inMulti {
				return fmt.Errorf("parse aof: EXEC without MULTI")
			}
			inMulti = false
			if err := apply(Entry{Index: index, Cmds: batch}); err != nil {
				return err
			}
			batch = nil
		default:
			if inMulti {
				batch = append(batch, mb.Args)
				continue
			}
			if err := apply(Entry{Index: index, Cmds: [][][]byte{mb.Args}}); err != nil {
				return err
			}
		}
	}
}
