// Package admin parses cache maintenance flags and runs them against the
// configured backend.
package admin

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"tagredis/config"
	"tagredis/manager"
	"tagredis/tagcache"
)

// Commands lists the maintenance subcommands.
var Commands = []string{"clean", "gc", "ids", "tags", "meta"}

// Config holds one maintenance invocation.
type Config struct {
	Command string
	Mode    string
	Tags    []string
	Match   string
	ID      string
	Timeout time.Duration

	Cache config.Cache
}

// ParseConfig parses environment and flags for command.
func ParseConfig(command string, fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Command: command}
	switch command {
	case "clean", "gc", "ids", "tags", "meta":
	default:
		return Config{}, errors.Newf(errors.CodeInvalidInput, "unknown command %q", command)
	}
	cache, err := config.LoadCache()
	if err != nil {
		return Config{}, err
	}
	cfg.Cache = cache

	var tags string
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "Overall deadline")
	switch command {
	case "clean":
		fs.StringVar(&cfg.Mode, "mode", "old", "Clean mode: all, old, matchingTag, notMatchingTag, matchingAnyTag")
		fs.StringVar(&tags, "tags", "", "Comma-separated tags")
	case "ids":
		fs.StringVar(&cfg.Match, "match", "", "Tag match: all, any or none; empty lists every id")
		fs.StringVar(&tags, "tags", "", "Comma-separated tags")
	case "meta":
		fs.StringVar(&cfg.ID, "id", "", "Record id")
	}
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Tags = splitList(tags)

	if command == "meta" && cfg.ID == "" {
		return Config{}, errors.New(errors.CodeInvalidInput, "meta requires -id")
	}
	if command == "ids" && cfg.Match != "" && len(cfg.Tags) == 0 {
		return Config{}, errors.New(errors.CodeInvalidInput, "-match requires -tags")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run executes cfg.Command and writes its result to out.
func Run(ctx context.Context, cfg Config, out io.Writer, log *slog.Logger) error {
	mcfg, err := cfg.Cache.Manager()
	if err != nil {
		return err
	}
	mcfg.Enabled = true
	mcfg.Logger = log
	m, err := manager.New(ctx, mcfg)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cfg.Command {
	case "clean":
		mode, err := tagcache.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		if mode == tagcache.ModeOld {
			return report(ctx, m, out)
		}
		if err := m.Clean(ctx, mode, cfg.Tags...); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "cleaned mode=%s tags=%s\n", mode, strings.Join(cfg.Tags, ","))
		return err
	case "gc":
		return report(ctx, m, out)
	case "ids":
		return listIDs(ctx, m, cfg, out)
	case "tags":
		tags, err := m.Backend().Tags(ctx)
		if err != nil {
			return err
		}
		return printList(out, m.Prefix(), tags)
	case "meta":
		return printMetadata(ctx, m, cfg.ID, out)
	}
	return errors.Newf(errors.CodeInvalidInput, "unknown command %q", cfg.Command)
}

func report(ctx context.Context, m *manager.Manager, out io.Writer) error {
	r, err := m.Collect(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "tags_scanned=%d tags_dropped=%d ids_pruned=%d\n", r.TagsScanned, r.TagsDropped, r.IDsPruned)
	return err
}

func listIDs(ctx context.Context, m *manager.Manager, cfg Config, out io.Writer) error {
	b := m.Backend()
	tags := make([]string, len(cfg.Tags))
	for i, tag := range cfg.Tags {
		tags[i] = m.Prefix() + tag
	}

	var ids []string
	var err error
	switch cfg.Match {
	case "":
		ids, err = b.IDs(ctx)
	case "all":
		ids, err = b.IDsMatchingTags(ctx, tags...)
	case "any":
		ids, err = b.IDsMatchingAnyTags(ctx, tags...)
	case "none":
		ids, err = b.IDsNotMatchingTags(ctx, tags...)
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown match %q", cfg.Match)
	}
	if err != nil {
		return err
	}
	return printList(out, m.Prefix(), ids)
}

func printList(out io.Writer, prefix string, items []string) error {
	for _, item := range items {
		if _, err := fmt.Fprintln(out, strings.TrimPrefix(item, prefix)); err != nil {
			return err
		}
	}
	return nil
}

func printMetadata(ctx context.Context, m *manager.Manager, id string, out io.Writer) error {
	md, ok, err := m.Backend().Metadata(ctx, m.Prefix()+id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeNotFound, "record %q not found", id)
	}

	tags := make([]string, len(md.Tags))
	for i, tag := range md.Tags {
		tags[i] = strings.TrimPrefix(tag, m.Prefix())
	}
	expire := "never"
	if !md.Infinite {
		expire = md.Expire.UTC().Format(time.RFC3339)
	}
	_, err = fmt.Fprintf(out, "id=%s tags=%s mtime=%s expire=%s\n",
		id, strings.Join(tags, ","), md.Mtime.UTC().Format(time.RFC3339), expire)
	return err
}
