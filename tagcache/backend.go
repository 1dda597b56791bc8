// Package tagcache is a tag-aware cache backend over a Redis-compatible store.
//
// Each record is a hash at KeyPrefix+id with fields d (data), t (comma-joined
// tags), m (mtime, unix seconds) and i ("1" for infinite lifetime). Tags are
// indexed by one set of ids per tag at TagPrefix+tag plus the zc:tags set of
// all tags; zc:ids holds every id when NotMatchingTags is enabled. Writes go
// out as one MULTI/EXEC batch per operation. Records expire through the store
// TTL, which leaves index entries behind until a garbage collection pass.
package tagcache

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tagredis/pkg/metrics"
	"tagredis/store"
)

// Backend is the operation surface of a tag-aware cache.
type Backend interface {
	// Load returns the record data; ok is false on a miss.
	Load(ctx context.Context, id string) (data []byte, ok bool, err error)
	// Test returns the record's modification time without reading its data.
	Test(ctx context.Context, id string) (mtime time.Time, ok bool, err error)
	Save(ctx context.Context, data []byte, id string, tags []string, lifetime Lifetime) error
	// Remove reports whether a record was deleted.
	Remove(ctx context.Context, id string) (bool, error)
	Clean(ctx context.Context, mode Mode, tags ...string) error
	IDs(ctx context.Context) ([]string, error)
	Tags(ctx context.Context) ([]string, error)
	IDsMatchingTags(ctx context.Context, tags ...string) ([]string, error)
	IDsNotMatchingTags(ctx context.Context, tags ...string) ([]string, error)
	IDsMatchingAnyTags(ctx context.Context, tags ...string) ([]string, error)
	Metadata(ctx context.Context, id string) (Metadata, bool, error)
	// Touch extends a finite record's TTL by extra.
	Touch(ctx context.Context, id string, extra time.Duration) (bool, error)
	Capabilities() Capabilities
}

// Metadata describes one record. Expire is zero when Infinite is set.
type Metadata struct {
	Tags     []string
	Mtime    time.Time
	Expire   time.Time
	Infinite bool
}

// RedisBackend implements Backend on a store.Conn. It holds no state besides
// its connection and options.
type RedisBackend struct {
	conn  store.Conn
	opts  Options
	codec *Codec
}

var _ Backend = (*RedisBackend)(nil)

// New returns a backend using conn. The caller keeps ownership of conn.
func New(conn store.Conn, opts Options) (*RedisBackend, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	codec, err := NewCodec(opts.CompressionLib, opts.CompressThreshold)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{conn: conn, opts: opts, codec: codec}, nil
}

func (b *RedisBackend) recordKey(id string) string {
	return b.opts.KeyPrefix + id
}

func (b *RedisBackend) tagKey(tag string) string {
	return b.opts.TagPrefix + tag
}

func (b *RedisBackend) recordKeys(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = b.recordKey(id)
	}
	return out
}

func (b *RedisBackend) tagKeys(tags []string) []string {
	out := make([]string, len(tags))
	for i, tag := range tags {
		out[i] = b.tagKey(tag)
	}
	return out
}

// operation ties a span and a timer to one backend call.
type operation struct {
	name  string
	span  trace.Span
	timer metrics.Timer
	m     Metrics
}

func (b *RedisBackend) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := b.opts.Tracer.Start(ctx, "tagcache."+name, trace.WithAttributes(attrs...))
	return ctx, &operation{
		name:  name,
		span:  span,
		timer: b.opts.Metrics.OpDuration(name),
		m:     b.opts.Metrics,
	}
}

func (op *operation) end(err error) {
	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		op.m.OpFailed(op.name)
	}
	op.timer.ObserveDuration()
	op.span.End()
}

func (b *RedisBackend) Load(ctx context.Context, id string) (data []byte, ok bool, err error) {
	ctx, op := b.begin(ctx, "load", attribute.String("cache.id", id))
	defer func() { op.end(err) }()

	reply, err := b.conn.Do(ctx, store.NewCmd("HGET", b.recordKey(id), fieldData))
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := store.Bytes(reply)
	if err != nil || !ok {
		b.opts.Metrics.LoadResult(false)
		return nil, false, err
	}
	b.opts.Metrics.LoadResult(true)
	data, err = b.codec.Decode(raw)
	if err != nil {
		return nil, false, errors.Wrapf(err, errors.CodeInternal, "load %q", id)
	}
	return data, true, nil
}

func (b *RedisBackend) Test(ctx context.Context, id string) (mtime time.Time, ok bool, err error) {
	ctx, op := b.begin(ctx, "test", attribute.String("cache.id", id))
	defer func() { op.end(err) }()

	reply, err := b.conn.Do(ctx, store.NewCmd("HGET", b.recordKey(id), fieldMtime))
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok, err := store.Bytes(reply)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	secs, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil || secs == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(secs, 0), true, nil
}

// Save writes data under id with tags. The previous tag set is read first and
// the index is updated by the difference, in the same batch as the record.
func (b *RedisBackend) Save(ctx context.Context, data []byte, id string, tags []string, lifetime Lifetime) (err error) {
	ctx, op := b.begin(ctx, "save",
		attribute.String("cache.id", id),
		attribute.Int("cache.size", len(data)),
		attribute.StringSlice("cache.tags", tags),
	)
	defer func() { op.end(err) }()

	if err := validateID(id); err != nil {
		return err
	}
	tags, err = normalizeTags(tags)
	if err != nil {
		return err
	}
	encData, err := b.codec.Encode(data, b.opts.CompressData)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "save %q", id)
	}
	encTags, err := b.codec.Encode([]byte(strings.Join(tags, ",")), b.opts.CompressTags)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "save %q", id)
	}
	rec := record{
		id:      id,
		data:    encData,
		rawTags: encTags,
		tags:    tags,
		ttl:     b.opts.seconds(lifetime),
	}

	if !b.opts.Strict {
		return b.write(ctx, b.conn, rec)
	}
	return b.strict(ctx, "save", id, func(tx store.Tx) error {
		return b.write(ctx, tx, rec)
	})
}

type record struct {
	id      string
	data    []byte
	rawTags []byte
	tags    []string
	// ttl in seconds, 0 for infinite.
	ttl int64
}

func (b *RedisBackend) write(ctx context.Context, tx store.Tx, rec record) error {
	key := b.recordKey(rec.id)
	oldTags, err := b.readTags(ctx, tx, key)
	if err != nil {
		return err
	}

	inf, ttl := "0", rec.ttl
	if ttl == 0 {
		inf, ttl = "1", int64(MaxLifetime/time.Second)
	}
	cmds := []store.Cmd{
		store.NewCmd("HSET", key,
			fieldData, rec.data,
			fieldTags, rec.rawTags,
			fieldMtime, b.opts.Now().Unix(),
			fieldInf, inf,
		),
		// always expire so volatile-* eviction policies never drop index data
		store.NewCmd("EXPIRE", key, ttl),
	}

	added := difference(rec.tags, oldTags)
	if len(added) > 0 {
		cmds = append(cmds, store.NewCmd("SADD", SetTags).Append(added...))
		for _, tag := range added {
			cmds = append(cmds, store.NewCmd("SADD", b.tagKey(tag), rec.id))
		}
	}
	for _, tag := range difference(oldTags, rec.tags) {
		cmds = append(cmds, store.NewCmd("SREM", b.tagKey(tag), rec.id))
	}
	if b.opts.NotMatchingTags {
		cmds = append(cmds, store.NewCmd("SADD", SetIDs, rec.id))
	}

	_, err = tx.Multi(ctx, cmds...)
	return err
}

// strict runs fn under WATCH of the record key until it commits.
func (b *RedisBackend) strict(ctx context.Context, op, id string, fn func(tx store.Tx) error) error {
	key := b.recordKey(id)
	for attempt := 1; ; attempt++ {
		err := b.conn.Watch(ctx, fn, key)
		if !errors.Is(err, store.ErrTxAborted) {
			return err
		}
		if attempt >= b.opts.StrictRetries {
			return errors.Wrapf(ErrConflict, errors.CodeConflict, "%s %q: gave up after %d attempts", op, id, attempt)
		}
		b.opts.Metrics.StrictRetry(op)
		b.opts.Logger.Debug("strict transaction aborted, retrying", "op", op, "id", id, "attempt", attempt)
	}
}

// readTags returns the tag list stored in the record at key.
func (b *RedisBackend) readTags(ctx context.Context, tx store.Tx, key string) ([]string, error) {
	reply, err := tx.Do(ctx, store.NewCmd("HGET", key, fieldTags))
	if err != nil {
		return nil, err
	}
	raw, ok, err := store.Bytes(reply)
	if err != nil || !ok {
		return nil, err
	}
	return b.decodeTags(raw)
}

func (b *RedisBackend) decodeTags(raw []byte) ([]string, error) {
	decoded, err := b.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	return splitTags(string(decoded)), nil
}

// Remove deletes the record and its index entries. An unknown id is not an
// error.
func (b *RedisBackend) Remove(ctx context.Context, id string) (removed bool, err error) {
	ctx, op := b.begin(ctx, "remove", attribute.String("cache.id", id))
	defer func() { op.end(err) }()

	key := b.recordKey(id)
	tags, err := b.readTags(ctx, b.conn, key)
	if err != nil {
		return false, err
	}

	cmds := []store.Cmd{store.NewCmd("DEL", key)}
	if b.opts.NotMatchingTags {
		cmds = append(cmds, store.NewCmd("SREM", SetIDs, id))
	}
	for _, tag := range tags {
		cmds = append(cmds, store.NewCmd("SREM", b.tagKey(tag), id))
	}
	replies, err := b.conn.Multi(ctx, cmds...)
	if err != nil {
		return false, err
	}
	n, err := store.Int(replies[0])
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch adds extra to the remaining TTL of a finite record. Infinite and
// missing records are left alone and report false.
//
// The flag read, the TTL read and the EXPIRE are separate round trips. Outside
// Strict mode a concurrent save in between can have its TTL overwritten, which
// gives a record re-saved as infinite a finite TTL; Strict mode WATCHes the
// record and retries instead.
func (b *RedisBackend) Touch(ctx context.Context, id string, extra time.Duration) (touched bool, err error) {
	ctx, op := b.begin(ctx, "touch",
		attribute.String("cache.id", id),
		attribute.Int64("cache.extra_seconds", int64(extra/time.Second)),
	)
	defer func() { op.end(err) }()

	key := b.recordKey(id)
	fn := func(tx store.Tx) error {
		touched, err = b.touch(ctx, tx, key, int64(extra/time.Second))
		return err
	}
	if !b.opts.Strict {
		err = fn(b.conn)
		return touched, err
	}
	err = b.strict(ctx, "touch", id, fn)
	return touched, err
}

func (b *RedisBackend) touch(ctx context.Context, tx store.Tx, key string, extra int64) (bool, error) {
	reply, err := tx.Do(ctx, store.NewCmd("HGET", key, fieldInf))
	if err != nil {
		return false, err
	}
	inf, ok, err := store.Bytes(reply)
	if err != nil || !ok || string(inf) != "0" {
		return false, err
	}
	reply, err = tx.Do(ctx, store.NewCmd("TTL", key))
	if err != nil {
		return false, err
	}
	ttl, err := store.Int(reply)
	if err != nil || ttl < 0 {
		return false, err
	}
	replies, err := tx.Multi(ctx, store.NewCmd("EXPIRE", key, ttl+extra))
	if err != nil {
		return false, err
	}
	n, err := store.Int(replies[0])
	return n == 1, err
}

// Metadata returns a record's tags, mtime and expiry; ok is false on a miss.
func (b *RedisBackend) Metadata(ctx context.Context, id string) (md Metadata, ok bool, err error) {
	ctx, op := b.begin(ctx, "metadata", attribute.String("cache.id", id))
	defer func() { op.end(err) }()

	key := b.recordKey(id)
	replies, err := b.conn.Pipeline(ctx,
		store.NewCmd("HMGET", key, fieldTags, fieldMtime, fieldInf),
		store.NewCmd("TTL", key),
	)
	if err != nil {
		return Metadata{}, false, err
	}
	fields, err := store.Values(replies[0])
	if err != nil {
		return Metadata{}, false, err
	}
	mtime, perr := strconv.ParseInt(string(fields[1]), 10, 64)
	if fields[1] == nil || perr != nil || mtime == 0 {
		return Metadata{}, false, nil
	}
	md.Mtime = time.Unix(mtime, 0)
	if md.Tags, err = b.decodeTags(fields[0]); err != nil {
		return Metadata{}, false, err
	}
	if string(fields[2]) == "1" {
		md.Infinite = true
		return md, true, nil
	}
	ttl, err := store.Int(replies[1])
	if err != nil {
		return Metadata{}, false, err
	}
	md.Expire = b.opts.Now().Add(time.Duration(ttl) * time.Second).Truncate(time.Second)
	return md, true, nil
}

// IDs lists live record ids: the zc:ids set when NotMatchingTags is on,
// otherwise every key under KeyPrefix except the index keys.
func (b *RedisBackend) IDs(ctx context.Context) (ids []string, err error) {
	ctx, op := b.begin(ctx, "ids")
	defer func() { op.end(err) }()

	if b.opts.NotMatchingTags {
		return b.members(ctx, store.NewCmd("SMEMBERS", SetIDs))
	}
	replies, err := b.conn.Pipeline(ctx,
		store.NewCmd("KEYS", glob.QuoteMeta(b.opts.KeyPrefix)+"*"),
		store.NewCmd("SMEMBERS", SetTags),
	)
	if err != nil {
		return nil, err
	}
	keys, err := store.Strings(replies[0])
	if err != nil {
		return nil, err
	}
	skip := map[string]struct{}{SetTags: {}, SetIDs: {}}
	if b.opts.KeyPrefix == b.opts.TagPrefix {
		tags, err := store.Strings(replies[1])
		if err != nil {
			return nil, err
		}
		for _, tag := range tags {
			skip[b.tagKey(tag)] = struct{}{}
		}
	}
	ids = make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := skip[key]; ok {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, b.opts.KeyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *RedisBackend) Tags(ctx context.Context) (tags []string, err error) {
	ctx, op := b.begin(ctx, "tags")
	defer func() { op.end(err) }()
	return b.members(ctx, store.NewCmd("SMEMBERS", SetTags))
}

// IDsMatchingTags returns the ids carrying every tag.
func (b *RedisBackend) IDsMatchingTags(ctx context.Context, tags ...string) (ids []string, err error) {
	ctx, op := b.begin(ctx, "ids_matching_tags", attribute.StringSlice("cache.tags", tags))
	defer func() { op.end(err) }()
	return b.matchingTags(ctx, tags)
}

// IDsNotMatchingTags returns the ids carrying none of the tags. It needs
// NotMatchingTags.
func (b *RedisBackend) IDsNotMatchingTags(ctx context.Context, tags ...string) (ids []string, err error) {
	ctx, op := b.begin(ctx, "ids_not_matching_tags", attribute.StringSlice("cache.tags", tags))
	defer func() { op.end(err) }()
	return b.notMatchingTags(ctx, tags)
}

// IDsMatchingAnyTags returns the ids carrying at least one of the tags.
func (b *RedisBackend) IDsMatchingAnyTags(ctx context.Context, tags ...string) (ids []string, err error) {
	ctx, op := b.begin(ctx, "ids_matching_any_tags", attribute.StringSlice("cache.tags", tags))
	defer func() { op.end(err) }()
	return b.matchingAnyTags(ctx, tags)
}

func (b *RedisBackend) matchingTags(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	return b.members(ctx, store.NewCmd("SINTER").Append(b.tagKeys(tags)...))
}

func (b *RedisBackend) notMatchingTags(ctx context.Context, tags []string) ([]string, error) {
	if !b.opts.NotMatchingTags {
		return nil, ErrFeatureDisabled
	}
	return b.members(ctx, store.NewCmd("SDIFF", SetIDs).Append(b.tagKeys(tags)...))
}

func (b *RedisBackend) matchingAnyTags(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	return b.members(ctx, store.NewCmd("SUNION").Append(b.tagKeys(tags)...))
}

// members runs a set command and returns its sorted members.
func (b *RedisBackend) members(ctx context.Context, cmd store.Cmd) ([]string, error) {
	reply, err := b.conn.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out, err := store.Strings(reply)
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *RedisBackend) Capabilities() Capabilities {
	return Capabilities{
		AutomaticCleaning: b.opts.AutomaticCleaningFactor > 0,
		Tags:              true,
		ExpiredRead:       false,
		Priority:          false,
		InfiniteLifetime:  true,
		GetList:           true,
	}
}

// AutomaticCleaningFactor returns the configured factor.
func (b *RedisBackend) AutomaticCleaningFactor() int {
	return b.opts.AutomaticCleaningFactor
}

func validateID(id string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidID, errors.CodeInvalidInput, "cache id must not be empty")
	}
	return nil
}

// normalizeTags drops duplicates keeping the first occurrence.
func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return nil, errors.Wrap(ErrInvalidTag, errors.CodeInvalidInput, "tag must not be empty")
		}
		if strings.Contains(tag, ",") {
			return nil, errors.Wrapf(ErrInvalidTag, errors.CodeInvalidInput, "tag %q contains ','", tag)
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// difference returns the elements of a missing from b, in a's order.
func difference(a, b []string) []string {
	var out []string
	for _, s := range a {
		if !slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
