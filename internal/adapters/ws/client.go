package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	neturl "net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

const (
	// eventQueueCapacity bounds lazily created per-event queues.
	eventQueueCapacity = 256
	// dispatchCapacity bounds the internal FIFO between the reader and the
	// dispatcher. When full the reader blocks, which backpressures the socket.
	dispatchCapacity = 1024
)

// ErrorDedupWindow bounds the per-request-id error dedup set. The oldest id
// is evicted when a new one would exceed it, so dedup is a sliding window
// over the most recent distinct request ids.
const ErrorDedupWindow = 256

// EventHandler is invoked by the dispatcher goroutine for each matching
// event. Handlers run sequentially and may issue RPCs through the client.
type EventHandler func(event *Event)

// ErrWaitTimeout is returned by WaitForEvent when no matching event arrives
// before the timeout.
var ErrWaitTimeout = shared.NewTransientError("timed out waiting for event")

type pendingRPC struct {
	response chan *ResponseFrame
}

type handlerEntry struct {
	id      int
	handler EventHandler
}

// AsyncGameClient multiplexes RPC request/response pairs and pushed events
// over a single WebSocket connection bound to one character.
//
// One reader goroutine routes inbound frames. Responses complete the pending
// RPC future keyed by frame id. Events flow through an internal FIFO to a
// single dispatcher goroutine, so handlers observe events in arrival order
// and can issue RPCs without deadlocking the reader.
type AsyncGameClient struct {
	url           string
	characterID   string
	characterName string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	pending       map[string]*pendingRPC
	handlers      map[string][]handlerEntry
	nextHandlerID int
	queues        map[string]chan *Event
	paused        bool
	pauseBuffer   []*Event
	seenErrorReqs map[string]bool
	seenErrorFIFO []string
	currentSector int
	closed        bool

	dispatchCh chan *Event
	done       chan struct{}

	summaries *SummaryRegistry
}

// NewAsyncGameClient creates a client bound to one character. The connection
// is established by Connect.
func NewAsyncGameClient(url, characterID, characterName string) *AsyncGameClient {
	return &AsyncGameClient{
		url:           url,
		characterID:   characterID,
		characterName: characterName,
		pending:       make(map[string]*pendingRPC),
		handlers:      make(map[string][]handlerEntry),
		queues:        make(map[string]chan *Event),
		seenErrorReqs: make(map[string]bool),
		dispatchCh:    make(chan *Event, dispatchCapacity),
		done:          make(chan struct{}),
		summaries:     DefaultSummaryRegistry(),
	}
}

// Summaries exposes the registry so callers can register extra formatters
// before Connect.
func (c *AsyncGameClient) Summaries() *SummaryRegistry {
	return c.summaries
}

// CharacterID returns the bound character id.
func (c *AsyncGameClient) CharacterID() string {
	return c.characterID
}

// CurrentSector returns the last sector observed from movement and status
// events, or 0 when unknown.
func (c *AsyncGameClient) CurrentSector() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSector
}

// Connect dials the server and starts the reader and dispatcher goroutines.
// The bound character id is carried as a query parameter so the server can
// route events to this connection.
func (c *AsyncGameClient) Connect(ctx context.Context) error {
	parsed, err := neturl.Parse(c.url)
	if err != nil {
		return fmt.Errorf("invalid server url %s: %w", c.url, err)
	}
	query := parsed.Query()
	query.Set("character_id", c.characterID)
	parsed.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn
	go c.readLoop()
	go c.dispatchLoop()
	return nil
}

// Close tears down the connection. Pending RPCs fail with a connection lost
// error via the reader's exit path.
func (c *AsyncGameClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Call sends one RPC and awaits the correlated response. On an ok=false
// response the client synthesizes a single error event for listeners and
// returns an RPCError to the caller.
func (c *AsyncGameClient) Call(ctx context.Context, endpoint string, payload map[string]interface{}) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if bound, ok := payload["character_id"].(string); ok && bound != c.characterID {
		return nil, shared.NewValidationError("character_id",
			fmt.Sprintf("client is bound to character %s", c.characterID))
	}
	if _, ok := payload["character_id"]; !ok {
		payload["character_id"] = c.characterID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc payload: %w", err)
	}
	frame := &RPCFrame{
		ID:       uuid.New().String(),
		Type:     messageTypeRPC,
		Endpoint: endpoint,
		Payload:  body,
	}

	future := &pendingRPC{response: make(chan *ResponseFrame, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, shared.NewTransientError("connection lost")
	}
	c.pending[frame.ID] = future
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return nil, shared.NewTransientError(fmt.Sprintf("failed to send rpc: %v", err))
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-future.response:
		if resp == nil {
			return nil, shared.NewTransientError("connection lost")
		}
		if !resp.OK {
			status, code, detail := "error", "", "rpc failed"
			if resp.Error != nil {
				status, code, detail = resp.Error.Status, resp.Error.Code, resp.Error.Detail
			}
			c.emitErrorEvent(frame.ID, status, code, detail)
			return nil, shared.NewRPCError(status, code, detail)
		}
		return resp.Result, nil
	}
}

// CallInto decodes the RPC result into out when the call succeeds.
func (c *AsyncGameClient) CallInto(ctx context.Context, endpoint string, payload map[string]interface{}, out interface{}) error {
	result, err := c.Call(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", endpoint, err)
	}
	return nil
}

// EventAny subscribes a handler to every event regardless of name.
const EventAny = "*"

// AddEventHandler registers a handler for an event name and returns a token
// for RemoveEventHandler. EventAny matches all events.
func (c *AsyncGameClient) AddEventHandler(event string, handler EventHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextHandlerID, handler: handler})
	return c.nextHandlerID
}

// RemoveEventHandler detaches a previously registered handler.
func (c *AsyncGameClient) RemoveEventHandler(event string, token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[event]
	for i := range entries {
		if entries[i].id == token {
			c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// GetEventQueue returns the FIFO queue for an event name, creating it lazily.
// The dispatcher drops into a full queue only after logging.
func (c *AsyncGameClient) GetEventQueue(event string) <-chan *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue, ok := c.queues[event]
	if !ok {
		queue = make(chan *Event, eventQueueCapacity)
		c.queues[event] = queue
	}
	return queue
}

// WaitForEvent blocks until an event with the given name satisfies the
// predicate, or the timeout elapses. A nil predicate matches any event.
func (c *AsyncGameClient) WaitForEvent(ctx context.Context, event string, predicate func(*Event) bool, timeout time.Duration) (*Event, error) {
	matched := make(chan *Event, 1)
	var once sync.Once
	token := c.AddEventHandler(event, func(ev *Event) {
		if predicate != nil && !predicate(ev) {
			return
		}
		once.Do(func() { matched <- ev })
	})
	defer c.RemoveEventHandler(event, token)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrWaitTimeout
	case ev := <-matched:
		return ev, nil
	}
}

// PauseEventDelivery buffers events at the dispatcher entrance. RPC responses
// keep flowing.
func (c *AsyncGameClient) PauseEventDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// ResumeEventDelivery flushes buffered events in FIFO order and resumes live
// delivery.
func (c *AsyncGameClient) ResumeEventDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	for _, ev := range c.pauseBuffer {
		c.dispatchLocked(ev)
	}
	c.pauseBuffer = nil
}

func (c *AsyncGameClient) writeFrame(frame interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *AsyncGameClient) readLoop() {
	defer c.failPending()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("ws client: dropping undecodable frame: %v", err)
			continue
		}
		if frame.FrameType == frameTypeEvent {
			c.handleInboundEvent(&frame)
			continue
		}
		if frame.OK != nil {
			c.completeRPC(&ResponseFrame{ID: frame.ID, OK: *frame.OK, Result: frame.Result, Error: frame.Error})
		}
	}
}

func (c *AsyncGameClient) completeRPC(resp *ResponseFrame) {
	c.mu.Lock()
	future, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		future.response <- resp
	}
}

// failPending fails every in-flight RPC with a connection lost error and
// stops the dispatcher.
func (c *AsyncGameClient) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRPC)
	c.mu.Unlock()
	for _, future := range pending {
		future.response <- nil
	}
	close(c.done)
}

func (c *AsyncGameClient) handleInboundEvent(frame *inboundFrame) {
	if frame.Event == EventCharacterMoved && c.isSelfMovement(frame.Payload) {
		return
	}
	if frame.Event == EventError && frame.RequestID != "" && c.markErrorSeen(frame.RequestID) {
		return
	}
	c.cacheSector(frame.Event, frame.Payload)
	c.deliver(&Event{
		Name:      frame.Event,
		Payload:   frame.Payload,
		Summary:   c.summaries.Summarize(frame.Event, frame.Payload),
		RequestID: frame.RequestID,
	})
}

// emitErrorEvent synthesizes an error event for one failing RPC. The dedup
// set guarantees listeners see at most one error per request id regardless
// of whether the server also pushed one.
func (c *AsyncGameClient) emitErrorEvent(requestID, status, code, detail string) {
	if c.markErrorSeen(requestID) {
		return
	}
	payload := map[string]interface{}{
		"status": status,
		"detail": detail,
		"source": map[string]interface{}{"request_id": requestID},
	}
	if code != "" {
		payload["code"] = code
	}
	c.deliver(&Event{
		Name:      EventError,
		Payload:   payload,
		Summary:   c.summaries.Summarize(EventError, payload),
		RequestID: requestID,
	})
}

// markErrorSeen records a request id in the dedup window and reports whether
// it was already there. The window keeps the connection's memory bounded over
// long sessions.
func (c *AsyncGameClient) markErrorSeen(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenErrorReqs[requestID] {
		return true
	}
	if len(c.seenErrorFIFO) >= ErrorDedupWindow {
		oldest := c.seenErrorFIFO[0]
		c.seenErrorFIFO = c.seenErrorFIFO[1:]
		delete(c.seenErrorReqs, oldest)
	}
	c.seenErrorReqs[requestID] = true
	c.seenErrorFIFO = append(c.seenErrorFIFO, requestID)
	return false
}

func (c *AsyncGameClient) isSelfMovement(payload map[string]interface{}) bool {
	id := payloadString(payload, "player", "id")
	name := payloadString(payload, "player", "name")
	return (id != "" && id == c.characterID) || (name != "" && name == c.characterName)
}

func (c *AsyncGameClient) cacheSector(event string, payload map[string]interface{}) {
	var sector float64
	var ok bool
	switch event {
	case EventStatusUpdate, EventStatusSnapshot:
		sector, ok = payloadNumber(payload, "sector", "id")
		if !ok {
			sector, ok = payloadNumber(payload, "sector")
		}
	case EventMovementComplete:
		sector, ok = payloadNumber(payload, "to_sector")
	}
	if ok {
		c.mu.Lock()
		c.currentSector = int(sector)
		c.mu.Unlock()
	}
}

func (c *AsyncGameClient) deliver(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.paused {
		c.pauseBuffer = append(c.pauseBuffer, event)
		return
	}
	c.dispatchLocked(event)
}

func (c *AsyncGameClient) dispatchLocked(event *Event) {
	select {
	case c.dispatchCh <- event:
	default:
		log.Printf("ws client: dispatch queue full, dropping event %s", event.Name)
	}
}

// dispatchLoop is the single consumer of the internal FIFO. It fans each
// event out to its per-event queue and then runs handlers sequentially.
func (c *AsyncGameClient) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.dispatchCh:
			c.mu.Lock()
			queue := c.queues[event.Name]
			entries := make([]handlerEntry, 0, len(c.handlers[event.Name])+len(c.handlers[EventAny]))
			entries = append(entries, c.handlers[event.Name]...)
			entries = append(entries, c.handlers[EventAny]...)
			c.mu.Unlock()

			if queue != nil {
				select {
				case queue <- event:
				default:
					log.Printf("ws client: queue for %s full, dropping event", event.Name)
				}
			}
			for _, entry := range entries {
				entry.handler(event)
			}
		}
	}
}
