// Command tagcache serves the in-process store over RESP and runs cache
// maintenance against a configured backend.
//
//	tagcache serve [-addr host:port] [-unix path] [-metrics host:port] ...
//	tagcache clean -mode matchingTag -tags a,b
//	tagcache gc | ids [-match all|any|none -tags a,b] | tags | meta -id key
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tagredis/internal/cmd/admin"
	"tagredis/internal/cmd/serve"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tagcache <serve|%s> [flags]\n", strings.Join(admin.Commands, "|"))
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(command, flag.ExitOnError)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, fs, args, log); err != nil {
		log.Error("tagcache failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, fs *flag.FlagSet, args []string, log *slog.Logger) error {
	if command == "serve" {
		cfg, err := serve.ParseConfig(fs, args)
		if err != nil {
			return err
		}
		return serve.Run(ctx, cfg, log)
	}

	switch command {
	case "-h", "-help", "--help", "help":
		usage()
	}
	cfg, err := admin.ParseConfig(command, fs, args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return admin.Run(ctx, cfg, os.Stdout, log)
}
