package tagcache

import (
	"context"

	"tagredis/store"
)

// GCReport summarises one garbage collection pass.
type GCReport struct {
	TagsScanned int
	TagsDropped int
	// IDsPruned counts tag memberships removed for expired records.
	IDsPruned int
}

// CollectGarbage removes index entries left by records that expired through
// their TTL. Each tag is repaired in its own batch. Ids without tags are not
// pruned from zc:ids.
func (b *RedisBackend) CollectGarbage(ctx context.Context) (report GCReport, err error) {
	ctx, op := b.begin(ctx, "gc")
	defer func() { op.end(err) }()

	tags, err := b.members(ctx, store.NewCmd("SMEMBERS", SetTags))
	if err != nil {
		return report, err
	}

	exists := make(map[string]bool)
	for _, tag := range tags {
		report.TagsScanned++
		tagKey := b.tagKey(tag)

		members, err := b.members(ctx, store.NewCmd("SMEMBERS", tagKey))
		if err != nil {
			return report, err
		}
		if err := b.checkExists(ctx, members, exists); err != nil {
			return report, err
		}

		var stale []string
		for _, id := range members {
			if !exists[id] {
				stale = append(stale, id)
			}
		}
		if len(members) > 0 && len(stale) == 0 {
			continue
		}

		var cmds []store.Cmd
		if len(stale) == len(members) {
			cmds = append(cmds,
				store.NewCmd("DEL", tagKey),
				store.NewCmd("SREM", SetTags, tag),
			)
			report.TagsDropped++
		} else {
			cmds = append(cmds, store.NewCmd("SREM", tagKey).Append(stale...))
		}
		if b.opts.NotMatchingTags && len(stale) > 0 {
			cmds = append(cmds, store.NewCmd("SREM", SetIDs).Append(stale...))
		}
		if _, err := b.conn.Multi(ctx, cmds...); err != nil {
			return report, err
		}
		report.IDsPruned += len(stale)
	}

	b.opts.Metrics.GCPass(report)
	b.opts.Logger.Info("garbage collection finished",
		"tags_scanned", report.TagsScanned,
		"tags_dropped", report.TagsDropped,
		"ids_pruned", report.IDsPruned,
	)
	return report, nil
}

// checkExists fills exists for the ids not seen yet in this pass, with one
// pipelined round trip.
func (b *RedisBackend) checkExists(ctx context.Context, ids []string, exists map[string]bool) error {
	var unchecked []string
	for _, id := range ids {
		if _, ok := exists[id]; !ok {
			unchecked = append(unchecked, id)
		}
	}
	if len(unchecked) == 0 {
		return nil
	}
	cmds := make([]store.Cmd, len(unchecked))
	for i, id := range unchecked {
		cmds[i] = store.NewCmd("EXISTS", b.recordKey(id))
	}
	replies, err := b.conn.Pipeline(ctx, cmds...)
	if err != nil {
		return err
	}
	for i, id := range unchecked {
		n, err := store.Int(replies[i])
		if err != nil {
			return err
		}
		exists[id] = n > 0
	}
	return nil
}
