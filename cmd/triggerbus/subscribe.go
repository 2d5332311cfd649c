package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casualjim/triggerbus"
	"github.com/casualjim/triggerbus/filter"
	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <trigger>...",
		Short: "Stream the events of one or more triggers",
		Long: "Subscribe to triggers and print every event as a JSON line until interrupted.\n" +
			"Topic patterns such as orders.* are passed to the broker unchanged.",
		Args: cobra.MinimumNArgs(1),
		RunE: runSubscribe,
	}
	cmd.Flags().Bool("pretty", false, "Pretty-print events instead of JSON lines")
	cmd.Flags().IntP("limit", "n", 0, "Stop after this many events (0 means no limit)")
	cmd.Flags().StringArray("where", nil, "Only print events whose payload has path=value (repeatable)")
	return cmd
}

func runSubscribe(cmd *cobra.Command, triggers []string) error {
	pretty, _ := cmd.Flags().GetBool("pretty")
	limit, _ := cmd.Flags().GetInt("limit")
	where, _ := cmd.Flags().GetStringArray("where")

	predicate, err := parseWhere(where)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	source, err := engine.AsyncIterator(ctx, triggers...)
	if err != nil {
		return err
	}
	events := filter.With(source, predicate)
	defer func() {
		teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = events.Return(teardown)
	}()

	if subscribed != nil {
		subscribed()
	}

	out := cmd.OutOrStdout()
	printer := newEventPrinter(out, pretty)
	seen := 0
	for event, err := range events.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("error: %v", err))
			continue
		}
		if err := printer(event); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			break
		}
	}
	return nil
}

// subscribed is called once the subscriptions are live, set by tests.
var subscribed func()

func parseWhere(clauses []string) (filter.Predicate, error) {
	if len(clauses) == 0 {
		return nil, nil
	}
	predicates := make([]filter.Predicate, 0, len(clauses))
	for _, clause := range clauses {
		path, value, ok := strings.Cut(clause, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --where %q, expected path=value", clause)
		}
		var parsed any = value
		if value != "" {
			// bare words compare as strings
			if v, err := parsePayload(value); err == nil {
				parsed = v
			}
		}
		predicates = append(predicates, filter.Path(path, parsed))
	}
	return filter.All(predicates...), nil
}

func newEventPrinter(w io.Writer, pretty bool) func(triggerbus.Event) error {
	if !pretty {
		return func(event triggerbus.Event) error {
			line, err := event.MarshalJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", line)
			return err
		}
	}

	printer := pp.New()
	printer.SetColoringEnabled(!color.NoColor)
	heading := color.New(color.FgCyan, color.Bold)
	return func(event triggerbus.Event) error {
		if _, err := heading.Fprintf(w, "%s %s %s\n", event.Timestamp, event.Trigger, event.ID); err != nil {
			return err
		}
		_, err := printer.Fprintln(w, event.Payload)
		return err
	}
}
