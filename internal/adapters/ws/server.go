package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// outboundCapacity bounds each connection's write queue. A client that stops
// reading gets disconnected rather than stalling the emitters.
const outboundCapacity = 256

// EndpointHandler serves one RPC endpoint. characterID is the character the
// connection is bound to; payload is the raw request payload.
type EndpointHandler func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error)

// connection is one bound client socket with a dedicated write pump.
type connection struct {
	characterID string
	conn        *websocket.Conn
	outbound    chan interface{}
	closeOnce   sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.outbound)
	})
}

// send enqueues a frame, dropping the connection when the queue is full.
func (c *connection) send(frame interface{}) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Server upgrades HTTP requests to WebSocket connections, routes RPC frames
// to registered endpoint handlers and pushes event frames to bound
// characters. Connections bind to a character via the character_id query
// parameter.
type Server struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	endpoints   map[string]EndpointHandler
	connections map[string]*connection
}

// NewServer creates an empty hub. Endpoints are registered before serving.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		endpoints:   make(map[string]EndpointHandler),
		connections: make(map[string]*connection),
	}
}

// RegisterEndpoint installs the handler for an RPC endpoint name.
func (s *Server) RegisterEndpoint(endpoint string, handler EndpointHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[endpoint] = handler
}

// ServeHTTP implements the /ws upgrade endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	characterID := r.URL.Query().Get("character_id")
	if characterID == "" {
		http.Error(w, "character_id query parameter required", http.StatusBadRequest)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws server: upgrade failed for %s: %v", characterID, err)
		return
	}

	conn := &connection{
		characterID: characterID,
		conn:        socket,
		outbound:    make(chan interface{}, outboundCapacity),
	}

	s.mu.Lock()
	if previous, ok := s.connections[characterID]; ok {
		previous.close()
	}
	s.connections[characterID] = conn
	s.mu.Unlock()

	go s.writePump(conn)
	s.readPump(conn)
}

// EmitToCharacter pushes an event frame to one character, if connected.
func (s *Server) EmitToCharacter(characterID, event string, payload map[string]interface{}) {
	s.emit(event, payload, "", func(conn *connection) bool {
		return conn.characterID == characterID
	})
}

// EmitToCharacters pushes an event frame to each listed character.
func (s *Server) EmitToCharacters(characterIDs []string, event string, payload map[string]interface{}) {
	members := make(map[string]bool, len(characterIDs))
	for _, id := range characterIDs {
		members[id] = true
	}
	s.emit(event, payload, "", func(conn *connection) bool {
		return members[conn.characterID]
	})
}

// Broadcast pushes an event frame to every connected character.
func (s *Server) Broadcast(event string, payload map[string]interface{}) {
	s.emit(event, payload, "", func(conn *connection) bool { return true })
}

// EmitErrorToCharacter pushes a server-side error event correlated to the
// originating request.
func (s *Server) EmitErrorToCharacter(characterID, requestID string, body *ErrorBody) {
	payload := map[string]interface{}{
		"status": body.Status,
		"detail": body.Detail,
		"source": map[string]interface{}{"request_id": requestID},
	}
	if body.Code != "" {
		payload["code"] = body.Code
	}
	s.emit(EventError, payload, requestID, func(conn *connection) bool {
		return conn.characterID == characterID
	})
}

// Connected reports whether a character currently has a live socket.
func (s *Server) Connected(characterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connections[characterID]
	return ok
}

func (s *Server) emit(event string, payload map[string]interface{}, requestID string, match func(*connection) bool) {
	frame := &EventFrame{
		FrameType: frameTypeEvent,
		Event:     event,
		Payload:   payload,
		RequestID: requestID,
	}
	s.mu.Lock()
	targets := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		if match(conn) {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range targets {
		if !conn.send(frame) {
			log.Printf("ws server: outbound queue full for %s, dropping %s", conn.characterID, event)
		}
	}
}

func (s *Server) readPump(conn *connection) {
	defer s.dropConnection(conn)
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame RPCFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != messageTypeRPC {
			log.Printf("ws server: dropping malformed frame from %s", conn.characterID)
			continue
		}
		// Each RPC runs as its own goroutine so a slow handler cannot stall
		// the socket. Responses are serialized by the write pump.
		go s.handleRPC(conn, &frame)
	}
}

func (s *Server) handleRPC(conn *connection, frame *RPCFrame) {
	s.mu.Lock()
	handler, ok := s.endpoints[frame.Endpoint]
	s.mu.Unlock()

	response := &ResponseFrame{ID: frame.ID}
	if !ok {
		response.Error = &ErrorBody{Status: "not_found", Detail: "unknown endpoint: " + frame.Endpoint}
	} else {
		result, err := handler(context.Background(), conn.characterID, frame.Payload)
		if err != nil {
			response.Error = MapError(err)
		} else {
			encoded, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				response.Error = &ErrorBody{Status: "internal", Detail: "failed to encode result"}
				log.Printf("ws server: %s result encoding failed: %v", frame.Endpoint, marshalErr)
			} else {
				response.OK = true
				response.Result = encoded
			}
		}
	}
	if !conn.send(response) {
		log.Printf("ws server: outbound queue full for %s, dropping response", conn.characterID)
	}
}

func (s *Server) writePump(conn *connection) {
	for frame := range conn.outbound {
		if err := conn.conn.WriteJSON(frame); err != nil {
			conn.conn.Close()
			return
		}
	}
	conn.conn.Close()
}

func (s *Server) dropConnection(conn *connection) {
	s.mu.Lock()
	if current, ok := s.connections[conn.characterID]; ok && current == conn {
		delete(s.connections, conn.characterID)
	}
	s.mu.Unlock()
	conn.close()
}

// MapError translates domain errors into wire error bodies.
func MapError(err error) *ErrorBody {
	var validation *shared.ValidationError
	if errors.As(err, &validation) {
		return &ErrorBody{Status: "invalid_request", Detail: validation.Error()}
	}
	var invalidTarget *shared.InvalidTargetError
	if errors.As(err, &invalidTarget) {
		return &ErrorBody{Status: "invalid_request", Code: "invalid_target", Detail: invalidTarget.Error()}
	}
	var ended *shared.EncounterEndedError
	if errors.As(err, &ended) {
		return &ErrorBody{Status: "conflict", Code: "combat_ended", Detail: ended.Error()}
	}
	var duplicate *shared.DuplicateEncounterError
	if errors.As(err, &duplicate) {
		return &ErrorBody{Status: "conflict", Code: "combat_active", Detail: duplicate.Error()}
	}
	var notFound *shared.NotFoundError
	if errors.As(err, &notFound) {
		return &ErrorBody{Status: "not_found", Code: notFound.Kind, Detail: notFound.Error()}
	}
	var state *shared.StateError
	if errors.As(err, &state) {
		return &ErrorBody{Status: "conflict", Detail: state.Error()}
	}
	return &ErrorBody{Status: "internal", Detail: err.Error()}
}
