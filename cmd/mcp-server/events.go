package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/agentuity/mcp-sse/env"
	"github.com/agentuity/mcp-sse/eventing"
	"github.com/agentuity/mcp-sse/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	errPubSubDisabled = errors.New("pubsub is not configured (set PUBSUB_URL)")
	eventHeaders      = []string{"Time", "Event", "Connection", "Attributes"}
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow session lifecycle events published by running servers",
		Args:  cobra.NoArgs,
		RunE:  runEvents,
	}
	cmd.Flags().Int("limit", 0, "collect this many events, print them as a table and exit")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.PubSub.URL == "" {
		return errPubSubDisabled
	}
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := env.NewLogger(cfg.LogFormat, cfg.LogLevel)
	publisher, err := eventing.New(ctx, eventing.Config{
		URL:     cfg.PubSub.URL,
		Token:   cfg.PubSub.Token.Text(),
		Channel: cfg.PubSub.Channel,
	}, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	events := make(chan eventing.Event, 16)
	sub, err := publisher.Subscribe(ctx, func(ctx context.Context, event eventing.Event, _ eventing.Headers) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()
	log.Debug("subscribed to %s", cfg.PubSub.Channel)

	return follow(ctx, cmd.OutOrStdout(), events, limit)
}

// follow prints events as they arrive, or with limit > 0 gathers that many
// and prints them as one table. A partial table is printed when ctx ends.
func follow(ctx context.Context, w io.Writer, events <-chan eventing.Event, limit int) error {
	var rows [][]string
	for {
		select {
		case <-ctx.Done():
			if len(rows) > 0 {
				tui.Table(w, eventHeaders, rows)
			}
			return nil
		case event := <-events:
			row := eventRow(event)
			if limit <= 0 {
				fmt.Fprintf(w, "%s %s %s %s\n", tui.Muted(row[0]), tui.Bold(row[1]), row[2], row[3])
				continue
			}
			rows = append(rows, row)
			if len(rows) >= limit {
				tui.Table(w, eventHeaders, rows)
				return nil
			}
		}
	}
}

func eventRow(event eventing.Event) []string {
	attrs := make([]string, 0, len(event.Attributes))
	for k, v := range event.Attributes {
		attrs = append(attrs, k+"="+v)
	}
	sort.Strings(attrs)
	return []string{
		event.Timestamp.UTC().Format(time.RFC3339),
		event.Type,
		event.ConnectionID,
		strings.Join(attrs, " "),
	}
}
