package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"tagredis/db"
	"tagredis/resp"
)

type action int

const (
	actionNone action = iota
	actionClose
	actionShutdown
)

// session is the per-connection state.
type session struct {
	authed   bool
	index    int
	inMulti  bool
	queue    [][][]byte
	queueErr bool
	watch    *db.WatchSet
}

func newSession(authed bool) *session {
	return &session{authed: authed, watch: db.NewWatchSet()}
}

func (sess *session) resetMulti() {
	sess.inMulti = false
	sess.queue = nil
	sess.queueErr = false
}

func (sess *session) release(store *db.DB) {
	_ = store.Unwatch(context.Background(), sess.watch)
}

var (
	errNoAuth      = resp.MakeErrReply("NOAUTH Authentication required.")
	errWrongPass   = resp.MakeErrReply("WRONGPASS invalid username-password pair or user is disabled.")
	errNoPassword  = resp.MakeErrReply("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
	errNestedMulti = resp.MakeErrReply("ERR MULTI calls can not be nested")
	errExecAbort   = resp.MakeErrReply("EXECABORT Transaction discarded because of previous errors.")
	errClosed      = resp.MakeErrReply("ERR server closed")
)

func wrongArgs(name string) *resp.ErrorReply {
	return resp.MakeErrReply("ERR wrong number of arguments for '" + name + "' command")
}

// dispatch runs one command for sess.
func (s *Server) dispatch(sess *session, args [][]byte) (resp.Reply, action) {
	name := strings.ToLower(string(args[0]))
	defer s.m.CommandDuration(name).ObserveDuration()

	reply, act := s.dispatchCommand(sess, name, args)
	if resp.IsError(reply) {
		s.m.CommandFailed(name)
	}
	return reply, act
}

func (s *Server) dispatchCommand(sess *session, name string, args [][]byte) (resp.Reply, action) {
	ctx := context.Background()

	switch name {
	case "auth":
		return s.auth(sess, args), actionNone
	case "quit":
		return resp.OkReply, actionClose
	}
	if !sess.authed {
		return errNoAuth, actionNone
	}

	switch name {
	case "shutdown":
		return resp.OkReply, actionShutdown
	case "multi":
		if sess.inMulti {
			return errNestedMulti, actionNone
		}
		sess.inMulti = true
		return resp.OkReply, actionNone
	case "exec":
		return s.exec(ctx, sess), actionNone
	case "discard":
		if !sess.inMulti {
			return resp.MakeErrReply("ERR DISCARD without MULTI"), actionNone
		}
		sess.resetMulti()
		return fromStore(resp.OkReply, s.db.Unwatch(ctx, sess.watch)), actionNone
	}

	if sess.inMulti {
		switch name {
		case "watch", "select", "bgrewriteaof":
			sess.queueErr = true
			return resp.MakeErrReply("ERR " + strings.ToUpper(name) + " inside MULTI is not allowed"), actionNone
		}
		if errReply := db.Validate(args); errReply != nil {
			sess.queueErr = true
			return errReply, actionNone
		}
		sess.queue = append(sess.queue, args)
		return resp.QueuedReply, actionNone
	}

	switch name {
	case "select":
		if len(args) != 2 {
			return wrongArgs(name), actionNone
		}
		n, err := strconv.Atoi(string(args[1]))
		if err != nil {
			return resp.MakeErrReply("ERR value is not an integer or out of range"), actionNone
		}
		if n < 0 || n >= s.db.Databases() {
			return resp.MakeErrReply("ERR DB index is out of range"), actionNone
		}
		sess.index = n
		return resp.OkReply, actionNone
	case "watch":
		if len(args) < 2 {
			return wrongArgs(name), actionNone
		}
		keys := make([]string, 0, len(args)-1)
		for _, k := range args[1:] {
			keys = append(keys, string(k))
		}
		return fromStore(resp.OkReply, s.db.Watch(ctx, sess.watch, sess.index, keys...)), actionNone
	case "unwatch":
		return fromStore(resp.OkReply, s.db.Unwatch(ctx, sess.watch)), actionNone
	case "bgrewriteaof":
		go func() {
			if err := s.db.RewriteAppendLog(context.Background()); err != nil {
				s.log.Error("append-only log rewrite failed", "error", err)
			}
		}()
		return resp.MakeStatusReply("Background append only file rewriting started"), actionNone
	}

	reply, err := s.db.Exec(ctx, sess.index, args)
	return fromStore(reply, err), actionNone
}

func (s *Server) auth(sess *session, args [][]byte) resp.Reply {
	if len(args) != 2 && len(args) != 3 {
		return wrongArgs("auth")
	}
	if s.cfg.RequirePass == "" {
		return errNoPassword
	}
	password := args[len(args)-1]
	if len(args) == 3 && string(args[1]) != "default" {
		return errWrongPass
	}
	if subtle.ConstantTimeCompare(password, []byte(s.cfg.RequirePass)) != 1 {
		return errWrongPass
	}
	sess.authed = true
	return resp.OkReply
}

func (s *Server) exec(ctx context.Context, sess *session) resp.Reply {
	if !sess.inMulti {
		return resp.MakeErrReply("ERR EXEC without MULTI")
	}
	queue, aborted := sess.queue, sess.queueErr
	sess.resetMulti()
	if aborted {
		_ = s.db.Unwatch(ctx, sess.watch)
		return errExecAbort
	}
	reply, err := s.db.ExecMulti(ctx, sess.index, queue, sess.watch)
	return fromStore(reply, err)
}

func fromStore(reply resp.Reply, err error) resp.Reply {
	if err == nil {
		return reply
	}
	var e *resp.ErrorReply
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, db.ErrClosed) {
		return errClosed
	}
	return resp.MakeErrReply("ERR " + err.Error())
}
