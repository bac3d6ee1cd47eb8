// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/shepherd/lib/testutil"
	"github.com/bureau-foundation/shepherd/observe"
)

type wsClient struct {
	t      *testing.T
	socket *websocket.Conn
}

func dialRelay(t *testing.T, relay *testRelay, header http.Header) *wsClient {
	t.Helper()
	server := httptest.NewServer(observe.NewServer(relay.Relay, observe.ServerConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		AllowedOrigins: []string{"https://dashboard.example"},
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	socket, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { socket.Close() })
	return &wsClient{t: t, socket: socket}
}

func (c *wsClient) send(request string) {
	c.t.Helper()
	if err := c.socket.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		c.t.Fatalf("write %s: %v", request, err)
	}
}

func (c *wsClient) read() observe.Message {
	c.t.Helper()
	c.socket.SetReadDeadline(time.Now().Add(waitTimeout)) //nolint:realclock // kernel I/O deadline
	_, data, err := c.socket.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var message observe.Message
	if err := json.Unmarshal(data, &message); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return message
}

func (c *wsClient) expect(messageType string) observe.Message {
	c.t.Helper()
	message := c.read()
	if message.Type != messageType {
		c.t.Fatalf("got %+v, want a %s message", message, messageType)
	}
	return message
}

func TestServerSubscribeStreamAndTerminate(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	session, child := relay.start(t, "wi-ws")
	child.Emit([]byte("$ "))
	waitBuffered(t, session, 2)

	client := dialRelay(t, relay, nil)
	client.send(`{"type":"subscribe","work_item_id":"wi-ws"}`)
	if buffer := client.expect(observe.MessageBuffer); buffer.Data != "$ " {
		t.Errorf("buffer = %q", buffer.Data)
	}
	client.expect(observe.MessageSubscribed)

	child.Emit([]byte("hello"))
	if output := client.expect(observe.MessageOutput); output.Data != "hello" || output.Timestamp.IsZero() {
		t.Errorf("output = %+v", output)
	}

	client.send(`{"type":"input","work_item_id":"wi-ws","data":"echo hi\r"}`)
	client.send(`{"type":"resize","work_item_id":"wi-ws"}`)
	client.send(`{"type":"signal","work_item_id":"wi-ws"}`)
	if sent := client.expect(observe.MessageSignalSent); sent.Signal != "SIGINT" {
		t.Errorf("signal_sent = %+v", sent)
	}
	if got := string(child.Input()); got != "echo hi\r" {
		t.Errorf("child input = %q", got)
	}
	if rows, cols := child.Size(); rows != observe.DefaultResizeRows || cols != observe.DefaultResizeCols {
		t.Errorf("size after default resize = %dx%d", rows, cols)
	}
	if got := child.Signals(); !slices.Equal(got, []syscall.Signal{syscall.SIGINT}) {
		t.Errorf("signals = %v", got)
	}

	client.send(`{"type":"terminate","work_item_id":"wi-ws"}`)
	client.expect(observe.MessageTerminated)
	client.send(`{"type":"ping"}`)
	client.expect(observe.MessagePong)
}

func TestServerTerminateAfterSessionRecreatedReplies(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	first, child := relay.start(t, "wi-1")

	client := dialRelay(t, relay, nil)
	client.send(`{"type":"subscribe","work_item_id":"wi-1"}`)
	client.expect(observe.MessageBuffer)
	client.expect(observe.MessageSubscribed)

	child.Exit()
	client.expect(observe.MessageTerminated)
	testutil.RequireClosed(t, first.Done(), waitTimeout, "first session cleanup")

	relay.start(t, "wi-1")
	client.send(`{"type":"terminate","work_item_id":"wi-1"}`)
	client.expect(observe.MessageTerminated)

	// Exactly one reply: the next message answers the ping.
	client.send(`{"type":"ping"}`)
	client.expect(observe.MessagePong)

	client.send(`{"type":"terminate","work_item_id":"wi-1"}`)
	client.expect(observe.MessageError)
}

func TestServerTerminateWithoutSubscriptionReplies(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	relay.start(t, "wi-2")

	client := dialRelay(t, relay, nil)
	client.send(`{"type":"subscribe","work_item_id":"wi-2"}`)
	client.expect(observe.MessageBuffer)
	client.expect(observe.MessageSubscribed)
	client.send(`{"type":"unsubscribe","work_item_id":"wi-2"}`)

	client.send(`{"type":"terminate","work_item_id":"wi-2"}`)
	client.expect(observe.MessageTerminated)
	client.send(`{"type":"ping"}`)
	client.expect(observe.MessagePong)
}

func TestServerMalformedMessagesKeepConnectionOpen(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	client := dialRelay(t, relay, nil)

	for _, request := range []string{
		`not json`,
		`{"work_item_id":"x"}`,
		`{"type":"teleport","work_item_id":"x"}`,
		`{"type":"subscribe"}`,
		`{"type":"subscribe","work_item_id":"missing"}`,
		`{"type":"signal","work_item_id":"x","signal":"SIGBOGUS"}`,
		`{"type":"history","work_item_id":"missing"}`,
		`{"type":"spawn","work_item_id":"x"}`,
	} {
		client.send(request)
		if reply := client.expect(observe.MessageError); reply.Message == "" {
			t.Errorf("%s: error reply without text", request)
		}
	}
	client.send(`{"type":"ping"}`)
	client.expect(observe.MessagePong)
}

func TestServerSpawnListAndHistory(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	client := dialRelay(t, relay, nil)

	client.send(`{"type":"spawn","work_item_id":"wi-adhoc","command":"make test","cwd":"/src"}`)
	spawned := client.expect(observe.MessageSpawned)
	if spawned.Session == nil || spawned.Session.WorkItemID != "wi-adhoc" {
		t.Fatalf("spawned = %+v", spawned)
	}
	if got := spawned.Session.Command; !slices.Equal(got, []string{"bash", "-c", "make test"}) {
		t.Errorf("command = %v", got)
	}
	child := testutil.RequireReceive(t, relay.platform.Spawned(), waitTimeout, "ad hoc spawn")

	client.send(`{"type":"list"}`)
	if sessions := client.expect(observe.MessageSessions).Sessions; len(sessions) != 1 || sessions[0].Cwd != "/src" {
		t.Errorf("sessions = %+v", sessions)
	}

	session := relay.Session("wi-adhoc")
	child.Emit([]byte("PASS\n"))
	waitBuffered(t, session, 5)
	child.Exit()
	testutil.RequireClosed(t, session.Done(), waitTimeout, "ad hoc session cleanup")

	client.send(`{"type":"history","work_item_id":"wi-adhoc"}`)
	if history := client.expect(observe.MessageHistory); history.Data != "PASS\n" {
		t.Errorf("history = %q", history.Data)
	}

	client.send(`{"type":"spawn","command":["true"]}`)
	if adhoc := client.expect(observe.MessageSpawned); !strings.HasPrefix(adhoc.WorkItemID, "adhoc-") {
		t.Errorf("generated id = %q", adhoc.WorkItemID)
	}
}

func TestServerDisconnectLeavesWorkerRunning(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	session, child := relay.start(t, "wi-keep")

	client := dialRelay(t, relay, nil)
	client.send(`{"type":"subscribe","work_item_id":"wi-keep"}`)
	client.expect(observe.MessageBuffer)
	client.expect(observe.MessageSubscribed)
	client.socket.Close()

	testutil.Eventually(t, waitTimeout, func() bool {
		return session.Descriptor().SubscriberCount == 0
	}, "disconnect detaching the subscriber")
	if !child.Alive() {
		t.Error("worker stopped when its observer disconnected")
	}
}

func TestServerOriginCheck(t *testing.T) {
	t.Parallel()
	relay := newTestRelay(t)
	server := httptest.NewServer(observe.NewServer(relay.Relay, observe.ServerConfig{
		AllowedOrigins: []string{"https://dashboard.example"},
	}))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://dashboard.example", true},
		{server.URL, true},
		{"https://evil.example", false},
	}
	for _, test := range tests {
		header := http.Header{}
		if test.origin != "" {
			header.Set("Origin", test.origin)
		}
		socket, _, err := websocket.DefaultDialer.Dial(url, header)
		if got := err == nil; got != test.want {
			t.Errorf("origin %q: accepted = %v, want %v (%v)", test.origin, got, test.want, err)
		}
		if socket != nil {
			socket.Close()
		}
	}
}
