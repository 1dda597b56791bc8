package tagcache

import (
	"context"

	"github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/attribute"

	"tagredis/store"
)

// Mode selects what Clean removes.
type Mode int

const (
	// ModeAll flushes the whole logical database.
	ModeAll Mode = iota + 1
	// ModeOld runs garbage collection over the tag index.
	ModeOld
	// ModeMatchingTag removes records carrying every given tag.
	ModeMatchingTag
	// ModeNotMatchingTag removes records carrying none of the given tags.
	ModeNotMatchingTag
	// ModeMatchingAnyTag removes records carrying any given tag and drops the
	// tags themselves.
	ModeMatchingAnyTag
)

var modeNames = map[Mode]string{
	ModeAll:            "all",
	ModeOld:            "old",
	ModeMatchingTag:    "matchingTag",
	ModeNotMatchingTag: "notMatchingTag",
	ModeMatchingAnyTag: "matchingAnyTag",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode maps a mode name such as "matchingTag" to its Mode.
func ParseMode(name string) (Mode, error) {
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidMode, errors.CodeInvalidInput, "unknown clean mode %q", name)
}

// Clean removes records according to mode. Tag modes with no tags do nothing.
func (b *RedisBackend) Clean(ctx context.Context, mode Mode, tags ...string) (err error) {
	ctx, op := b.begin(ctx, "clean",
		attribute.String("cache.clean_mode", mode.String()),
		attribute.StringSlice("cache.tags", tags),
	)
	defer func() { op.end(err) }()

	switch mode {
	case ModeAll:
		_, err = b.conn.Do(ctx, store.NewCmd("FLUSHDB"))
		if err == nil {
			b.opts.Logger.Info("cache flushed")
		}
		return err
	case ModeOld:
		_, err = b.CollectGarbage(ctx)
		return err
	case ModeMatchingTag, ModeMatchingAnyTag:
	case ModeNotMatchingTag:
		if !b.opts.NotMatchingTags {
			return ErrFeatureDisabled
		}
	default:
		return errors.Wrapf(ErrInvalidMode, errors.CodeInvalidInput, "invalid mode for clean: %d", int(mode))
	}
	if len(tags) == 0 {
		return nil
	}

	var n int
	switch mode {
	case ModeMatchingTag:
		n, err = b.removeSelected(ctx, tags, b.matchingTags)
	case ModeNotMatchingTag:
		n, err = b.removeSelected(ctx, tags, b.notMatchingTags)
	case ModeMatchingAnyTag:
		n, err = b.removeByMatchingAnyTags(ctx, tags)
	}
	if err != nil {
		return err
	}
	b.opts.Metrics.RecordsCleaned(mode.String(), n)
	b.opts.Logger.Debug("cache cleaned", "mode", mode.String(), "tags", tags, "records", n)
	return nil
}

// removeSelected deletes the records picked by selectIDs in one batch.
func (b *RedisBackend) removeSelected(ctx context.Context, tags []string, selectIDs func(context.Context, []string) ([]string, error)) (int, error) {
	ids, err := selectIDs(ctx, tags)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if _, err := b.conn.Multi(ctx, b.deleteRecords(ids)...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// removeByMatchingAnyTags deletes the matching records and consumes the tags,
// even when no record carries them.
func (b *RedisBackend) removeByMatchingAnyTags(ctx context.Context, tags []string) (int, error) {
	ids, err := b.matchingAnyTags(ctx, tags)
	if err != nil {
		return 0, err
	}
	var cmds []store.Cmd
	if len(ids) > 0 {
		cmds = b.deleteRecords(ids)
	}
	cmds = append(cmds,
		store.NewCmd("DEL").Append(b.tagKeys(tags)...),
		store.NewCmd("SREM", SetTags).Append(tags...),
	)
	if _, err := b.conn.Multi(ctx, cmds...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *RedisBackend) deleteRecords(ids []string) []store.Cmd {
	cmds := []store.Cmd{store.NewCmd("DEL").Append(b.recordKeys(ids)...)}
	if b.opts.NotMatchingTags {
		cmds = append(cmds, store.NewCmd("SREM", SetIDs).Append(ids...))
	}
	return cmds
}
