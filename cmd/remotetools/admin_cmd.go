package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/zfranque/de.systopia.remotetools/pkg/config"
)

func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func runKeyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: remotetools key <issue|resolve> [options]")
		return 2
	}

	switch args[0] {
	case "issue":
		cmd := flag.NewFlagSet("key issue", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		contact := cmd.Int64("contact", 0, "Contact ID the key links to (REQUIRED)")
		prefix := cmd.String("prefix", "", "Key prefix")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		if *contact <= 0 {
			fmt.Fprintln(stderr, "Error: --contact is required")
			return 2
		}
		return withApp(stderr, func(ctx context.Context, a *app) int {
			if _, err := a.store.ContactHash(ctx, *contact); err != nil {
				fmt.Fprintf(stderr, "Error: contact %d: %v\n", *contact, err)
				return 1
			}
			key, err := a.service.IssueKey(ctx, *prefix, *contact)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, key)
			return 0
		})

	case "resolve":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: remotetools key resolve <key>")
			return 2
		}
		return withApp(stderr, func(ctx context.Context, a *app) int {
			id, err := a.service.Keys().Resolve(ctx, args[1])
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, id)
			return 0
		})
	}

	fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
	return 2
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: remotetools token <generate|decode> [options]")
		return 2
	}

	cmd := flag.NewFlagSet("token "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	entity := cmd.String("entity", "Contact", "Entity type")
	usage := cmd.String("usage", "", "Purpose the token is bound to")

	switch args[0] {
	case "generate":
		id := cmd.Int64("id", 0, "Entity ID (REQUIRED)")
		ttl := cmd.Duration("ttl", 0, "Lifetime, zero never expires")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		if *id <= 0 {
			fmt.Fprintln(stderr, "Error: --id is required")
			return 2
		}
		return withApp(stderr, func(ctx context.Context, a *app) int {
			var expires time.Time
			if *ttl > 0 {
				expires = time.Now().Add(*ttl)
			}
			token, err := a.tokens.Generate(ctx, *entity, *id, expires, *usage)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, token)
			return 0
		})

	case "decode":
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		if cmd.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: remotetools token decode [--entity E] [--usage U] <token>")
			return 2
		}
		return withApp(stderr, func(ctx context.Context, a *app) int {
			id, ok := a.tokens.Decode(ctx, *entity, cmd.Arg(0), *usage)
			if !ok {
				fmt.Fprintln(stderr, "invalid token")
				return 1
			}
			fmt.Fprintln(stdout, strconv.FormatInt(id, 10))
			return 0
		})
	}

	fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", args[0])
	return 2
}

func runProfilesCmd(stdout, stderr io.Writer) int {
	return withApp(stderr, func(_ context.Context, a *app) int {
		list := a.profiles.List()
		ids := make([]string, 0, len(list))
		for id := range list {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, map[string]string{"id": id, "name": list[id]})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	})
}
