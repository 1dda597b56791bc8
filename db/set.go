package db

import (
	"sort"

	"tagredis/resp"
)

// SADD key member [member ...] returns the number of new members.
func sadd(ks *keyspace, args [][]byte) resp.Reply {
	key := string(args[1])
	s, errReply := ks.getSet(key)
	if errReply != nil {
		return errReply
	}
	if s == nil {
		s = make(SetData)
	}

	ks.propagate(args...)
	added := 0
	for _, member := range args[2:] {
		if _, ok := s[string(member)]; !ok {
			s[string(member)] = struct{}{}
			added++
		}
	}
	if added > 0 {
		ks.put(key, s)
	}
	return resp.MakeIntReply(int64(added))
}

// SREM removes the key once the set is empty.
func srem(ks *keyspace, args [][]byte) resp.Reply {
	key := string(args[1])
	s, errReply := ks.getSet(key)
	if errReply != nil {
		return errReply
	}
	if s == nil {
		return resp.MakeIntReply(0)
	}

	ks.propagate(args...)
	removed := 0
	for _, member := range args[2:] {
		if _, ok := s[string(member)]; ok {
			delete(s, string(member))
			removed++
		}
	}
	if len(s) == 0 {
		ks.data.Remove(key)
	} else if removed > 0 {
		ks.put(key, s)
	}
	return resp.MakeIntReply(int64(removed))
}

func smembers(ks *keyspace, args [][]byte) resp.Reply {
	s, errReply := ks.getSet(string(args[1]))
	if errReply != nil {
		return errReply
	}
	return setReply(s)
}

func scard(ks *keyspace, args [][]byte) resp.Reply {
	s, errReply := ks.getSet(string(args[1]))
	if errReply != nil {
		return errReply
	}
	return resp.MakeIntReply(int64(len(s)))
}

func sismember(ks *keyspace, args [][]byte) resp.Reply {
	s, errReply := ks.getSet(string(args[1]))
	if errReply != nil {
		return errReply
	}
	if _, ok := s[string(args[2])]; ok {
		return resp.MakeIntReply(1)
	}
	return resp.MakeIntReply(0)
}

// loadSets resolves every key to a set; missing keys are empty sets.
func loadSets(ks *keyspace, keys [][]byte) ([]SetData, *resp.ErrorReply) {
	sets := make([]SetData, len(keys))
	for i, key := range keys {
		s, errReply := ks.getSet(string(key))
		if errReply != nil {
			return nil, errReply
		}
		sets[i] = s
	}
	return sets, nil
}

func sinter(ks *keyspace, args [][]byte) resp.Reply {
	sets, errReply := loadSets(ks, args[1:])
	if errReply != nil {
		return errReply
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	out := make(SetData)
	for member := range sets[0] {
		inAll := true
		for _, other := range sets[1:] {
			if _, ok := other[member]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out[member] = struct{}{}
		}
	}
	return setReply(out)
}

func sunion(ks *keyspace, args [][]byte) resp.Reply {
	sets, errReply := loadSets(ks, args[1:])
	if errReply != nil {
		return errReply
	}
	out := make(SetData)
	for _, s := range sets {
		for member := range s {
			out[member] = struct{}{}
		}
	}
	return setReply(out)
}

// SDIFF key [key ...]: members of the first set absent from all the others.
func sdiff(ks *keyspace, args [][]byte) resp.Reply {
	sets, errReply := loadSets(ks, args[1:])
	if errReply != nil {
		return errReply
	}
	out := make(SetData)
	for member := range sets[0] {
		out[member] = struct{}{}
	}
	for _, s := range sets[1:] {
		for member := range s {
			delete(out, member)
		}
	}
	return setReply(out)
}

// setReply sorts members so replies are deterministic.
func setReply(s SetData) *resp.MultiBulkReply {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Strings(members)
	return stringsReply(members)
}
