package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// startPair spins up a server on httptest and returns a connected client
// bound to characterID.
func startPair(t *testing.T, characterID, characterName string) (*ws.Server, *ws.AsyncGameClient) {
	t.Helper()
	server := ws.NewServer()
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client := ws.NewAsyncGameClient(url, characterID, characterName)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	// The server registers the connection when the upgrade completes
	require.Eventually(t, func() bool { return server.Connected(characterID) },
		2*time.Second, 10*time.Millisecond)
	return server, client
}

// collectEvents subscribes to one event name and returns a channel of
// deliveries.
func collectEvents(client *ws.AsyncGameClient, event string) <-chan *ws.Event {
	ch := make(chan *ws.Event, 16)
	client.AddEventHandler(event, func(ev *ws.Event) { ch <- ev })
	return ch
}

func TestClientServer_CallRoundTrip(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")

	server.RegisterEndpoint("status", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &decoded))
		return map[string]interface{}{
			"bound":        characterID,
			"character_id": decoded["character_id"],
		}, nil
	})

	result, err := client.Call(context.Background(), "status", nil)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "alice", decoded["bound"])
	// The client fills in its bound character id
	assert.Equal(t, "alice", decoded["character_id"])
}

func TestClient_RejectsForeignCharacterID(t *testing.T) {
	_, client := startPair(t, "alice", "Alice")

	_, err := client.Call(context.Background(), "status", map[string]interface{}{
		"character_id": "mallory",
	})

	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestClientServer_UnknownEndpoint(t *testing.T) {
	_, client := startPair(t, "alice", "Alice")

	_, err := client.Call(context.Background(), "no.such.endpoint", nil)

	var rpcErr *shared.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "not_found", rpcErr.Status)
}

func TestClientServer_FailedCallSynthesizesOneErrorEvent(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")
	server.RegisterEndpoint("combat.action", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		return nil, shared.NewEncounterEndedError("combat-9")
	})
	errors := collectEvents(client, ws.EventError)

	_, err := client.Call(context.Background(), "combat.action", nil)
	var rpcErr *shared.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "conflict", rpcErr.Status)
	assert.Equal(t, "combat_ended", rpcErr.Code)

	select {
	case ev := <-errors:
		assert.Equal(t, "conflict", ev.Payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no error event synthesized")
	}
	select {
	case <-errors:
		t.Fatal("error event delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_DeduplicatesErrorEventsByRequestID(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")
	errors := collectEvents(client, ws.EventError)

	body := &ws.ErrorBody{Status: "conflict", Code: "combat_ended", Detail: "combat over"}
	server.EmitErrorToCharacter("alice", "req-42", body)
	server.EmitErrorToCharacter("alice", "req-42", body)

	select {
	case <-errors:
	case <-time.After(2 * time.Second):
		t.Fatal("error event never arrived")
	}
	select {
	case <-errors:
		t.Fatal("duplicate request_id was not suppressed")
	case <-time.After(100 * time.Millisecond):
	}

	// A different request id is a fresh error
	server.EmitErrorToCharacter("alice", "req-43", body)
	select {
	case <-errors:
	case <-time.After(2 * time.Second):
		t.Fatal("second error event never arrived")
	}
}

func TestClient_ErrorDedupWindowEvictsOldestRequestIDs(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")

	var mu sync.Mutex
	perRequest := make(map[string]int)
	total := 0
	client.AddEventHandler(ws.EventError, func(ev *ws.Event) {
		mu.Lock()
		perRequest[ev.RequestID]++
		total++
		mu.Unlock()
	})

	delivered := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return total == n
		}
	}

	body := &ws.ErrorBody{Status: "conflict", Code: "combat_ended", Detail: "combat over"}
	server.EmitErrorToCharacter("alice", "req-first", body)
	require.Eventually(t, delivered(1), 2*time.Second, 10*time.Millisecond)

	// Fill the window with fresh request ids so req-first falls out
	for i := 0; i < ws.ErrorDedupWindow; i++ {
		server.EmitErrorToCharacter("alice", fmt.Sprintf("req-fill-%d", i), body)
	}
	require.Eventually(t, delivered(ws.ErrorDedupWindow+1), 5*time.Second, 10*time.Millisecond)

	// Once evicted, the id is treated as a fresh error again
	server.EmitErrorToCharacter("alice", "req-first", body)
	require.Eventually(t, delivered(ws.ErrorDedupWindow+2), 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, perRequest["req-first"])
}

func TestClient_SelfMovementIsSuppressed(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")
	moved := collectEvents(client, ws.EventCharacterMoved)

	server.EmitToCharacter("alice", ws.EventCharacterMoved, map[string]interface{}{
		"movement": "arrive",
		"player":   map[string]interface{}{"id": "alice", "name": "Alice"},
	})
	server.EmitToCharacter("alice", ws.EventCharacterMoved, map[string]interface{}{
		"movement": "arrive",
		"player":   map[string]interface{}{"id": "bob", "name": "Bob"},
	})

	select {
	case ev := <-moved:
		// Only the other character's movement is delivered
		player := ev.Payload["player"].(map[string]interface{})
		assert.Equal(t, "bob", player["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("movement event never arrived")
	}
	select {
	case <-moved:
		t.Fatal("self movement was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_PauseAndResumePreservesFIFO(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	client.AddEventHandler(ws.EventChatMessage, func(ev *ws.Event) {
		mu.Lock()
		order = append(order, ev.Payload["text"].(string))
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	client.PauseEventDelivery()
	for _, text := range []string{"one", "two", "three"} {
		server.EmitToCharacter("alice", ws.EventChatMessage, map[string]interface{}{"text": text})
	}

	// Nothing is delivered while paused
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	client.ResumeEventDelivery()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered events never flushed")
	}
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
	mu.Unlock()
}

func TestClient_WaitForEvent(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")

	go func() {
		time.Sleep(50 * time.Millisecond)
		server.EmitToCharacter("alice", ws.EventMovementComplete, map[string]interface{}{"to_sector": float64(3)})
		server.EmitToCharacter("alice", ws.EventMovementComplete, map[string]interface{}{"to_sector": float64(9)})
	}()

	ev, err := client.WaitForEvent(context.Background(), ws.EventMovementComplete, func(ev *ws.Event) bool {
		sector, _ := ev.Payload["to_sector"].(float64)
		return int(sector) == 9
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(9), ev.Payload["to_sector"])
}

func TestClient_WaitForEventTimesOut(t *testing.T) {
	_, client := startPair(t, "alice", "Alice")

	_, err := client.WaitForEvent(context.Background(), ws.EventMovementComplete, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ws.ErrWaitTimeout)
}

func TestClient_EventQueue(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")
	queue := client.GetEventQueue(ws.EventSalvageCreated)

	server.EmitToCharacter("alice", ws.EventSalvageCreated, map[string]interface{}{"salvage_id": "salvage-1"})

	select {
	case ev := <-queue:
		assert.Equal(t, "salvage-1", ev.Payload["salvage_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("queued event never arrived")
	}
}

func TestClient_WildcardHandlerSeesAllEvents(t *testing.T) {
	server, client := startPair(t, "alice", "Alice")
	all := collectEvents(client, ws.EventAny)

	server.EmitToCharacter("alice", ws.EventSectorUpdate, map[string]interface{}{"sector": float64(2)})
	server.EmitToCharacter("alice", ws.EventChatMessage, map[string]interface{}{"text": "hi"})

	names := make([]string, 0, 2)
	for len(names) < 2 {
		select {
		case ev := <-all:
			names = append(names, ev.Name)
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard handler missed events")
		}
	}
	assert.Equal(t, []string{ws.EventSectorUpdate, ws.EventChatMessage}, names)
}

func TestServer_RequiresCharacterID(t *testing.T) {
	server := ws.NewServer()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_EmitTargetsOnlyNamedCharacters(t *testing.T) {
	server, alice := startPair(t, "alice", "Alice")

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	bob := ws.NewAsyncGameClient(url, "bob", "Bob")
	require.NoError(t, bob.Connect(context.Background()))
	defer bob.Close()
	require.Eventually(t, func() bool { return server.Connected("bob") }, 2*time.Second, 10*time.Millisecond)

	aliceEvents := collectEvents(alice, ws.EventChatMessage)
	bobEvents := collectEvents(bob, ws.EventChatMessage)

	server.EmitToCharacter("bob", ws.EventChatMessage, map[string]interface{}{"text": "for bob"})

	select {
	case ev := <-bobEvents:
		assert.Equal(t, "for bob", ev.Payload["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the event")
	}
	select {
	case <-aliceEvents:
		t.Fatal("alice received an event addressed to bob")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status string
		code   string
	}{
		{shared.NewValidationError("field", "bad"), "invalid_request", ""},
		{shared.NewInvalidTargetError("combat-1", "ghost"), "invalid_request", "invalid_target"},
		{shared.NewEncounterEndedError("combat-1"), "conflict", "combat_ended"},
		{shared.NewDuplicateEncounterError("combat-1"), "conflict", "combat_active"},
		{shared.NewNotFoundError("salvage", "salvage-1"), "not_found", "salvage"},
		{shared.NewStateError("busy"), "conflict", ""},
		{context.DeadlineExceeded, "internal", ""},
	}
	for _, tc := range tests {
		body := ws.MapError(tc.err)
		assert.Equal(t, tc.status, body.Status, tc.err.Error())
		assert.Equal(t, tc.code, body.Code, tc.err.Error())
	}
}
