package main

import (
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <trigger> [json]",
		Short: "Publish an event",
		Long:  "Publish a JSON payload to a trigger. Without a payload argument it is read from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPublish,
	}
	cmd.Flags().IntP("repeat", "n", 1, "Publish the payload this many times")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	trigger := args[0]

	var raw string
	if len(args) == 2 {
		raw = args[1]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		raw = string(data)
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}

	repeat, _ := cmd.Flags().GetInt("repeat")
	if repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", repeat)
	}

	engine, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	for i := 0; i < repeat; i++ {
		if err := engine.Publish(cmd.Context(), trigger, payload); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s) to %s\n", repeat, trigger)
	return nil
}

func parsePayload(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}
