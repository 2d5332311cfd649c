package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/triggerbus"
	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/config"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// sharedConn lets several commands talk through one in-memory broker.
type sharedConn struct {
	*broker.LocalConnection
}

func (sharedConn) Close() error { return nil }

func useLocalBroker(t *testing.T) *broker.LocalConnection {
	t.Helper()
	for _, key := range []string{
		"TRIGGERBUS_BROKER", "TRIGGERBUS_URL", "TRIGGERBUS_EXCHANGE", "TRIGGERBUS_EXCHANGE_TYPE",
		"TRIGGERBUS_TRIGGER_PREFIX", "TRIGGERBUS_BUFFER_SIZE", "TRIGGERBUS_DELETE_QUEUE_ON_UNSUBSCRIBE",
	} {
		t.Setenv(key, "")
	}
	local := broker.Local()
	previous := connect
	connect = func(config.Config) (broker.Connection, error) {
		return sharedConn{local}, nil
	}
	t.Cleanup(func() {
		connect = previous
		subscribed = nil
		_ = local.Close()
	})
	return local
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(`{"from":"stdin"}`))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPublishAndSubscribe(t *testing.T) {
	local := useLocalBroker(t)

	ready := make(chan struct{})
	subscribed = func() { close(ready) }

	var (
		wg     sync.WaitGroup
		output string
		runErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"subscribe", "--limit", "1", "--where", "status=paid", "orders.*"})
		runErr = cmd.Execute()
		output = out.String()
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not start")
	}

	_, err := run(t, "publish", "orders.created", `{"id":1,"status":"open"}`)
	require.NoError(t, err)
	_, err = run(t, "publish", "orders.created", `{"id":2,"status":"paid"}`)
	require.NoError(t, err)
	out, err := run(t, "publish", "orders.paid", "--repeat", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "published 2 event(s) to orders.paid")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not stop after its limit")
	}

	require.NoError(t, runErr)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "orders.created", gjson.Get(lines[0], "trigger").String())
	assert.Equal(t, int64(2), gjson.Get(lines[0], "payload.id").Int())
	assert.Zero(t, local.ConsumerCount(), "subscribe cleans up after itself")
}

func TestPublish_InvalidPayload(t *testing.T) {
	useLocalBroker(t)
	_, err := run(t, "publish", "orders", `{nope`)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestParsePayload(t *testing.T) {
	v, err := parsePayload("  ")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)

	v, err = parsePayload(`[1,"a"]`)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "a"}, v)
}

func TestParseWhere(t *testing.T) {
	p, err := parseWhere(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parseWhere([]string{"nope"})
	assert.Error(t, err)
	_, err = parseWhere([]string{"=1"})
	assert.Error(t, err)

	p, err = parseWhere([]string{"status=paid", "id=2"})
	require.NoError(t, err)

	var event triggerbus.Event
	body := `{"type":"event","id":"0191e5a0-0000-7000-8000-000000000000","trigger":"orders","payload":{"id":2,"status":"paid"}}`
	require.NoError(t, json.Unmarshal([]byte(body), &event))
	ok, err := p(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventPrinter(t *testing.T) {
	color.NoColor = true
	var event triggerbus.Event
	body := `{"type":"event","id":"0191e5a0-0000-7000-8000-000000000000","trigger":"orders","timestamp":"2024-05-01T12:00:00.000Z","payload":{"id":2}}`
	require.NoError(t, json.Unmarshal([]byte(body), &event))

	var lines bytes.Buffer
	require.NoError(t, newEventPrinter(&lines, false)(event))
	assert.JSONEq(t, body, strings.TrimSpace(lines.String()))

	var pretty bytes.Buffer
	require.NoError(t, newEventPrinter(&pretty, true)(event))
	assert.Contains(t, pretty.String(), "orders")
	assert.Contains(t, pretty.String(), "0191e5a0-0000-7000-8000-000000000000")
	assert.Contains(t, pretty.String(), `"id"`)
}
