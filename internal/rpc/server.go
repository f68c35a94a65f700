package rpc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// HandlerFunc answers a single RPC request with a response payload or an
// error to surface to the caller.
type HandlerFunc func(from identity.NodeId, method string, payload []byte) ([]byte, error)

type handlerKey struct {
	serviceID uint8
	method    string
}

// Server is the callee side of the RPC feature: it holds a registry of
// (serviceID, method) handlers and answers inbound Requests.
type Server struct {
	mu       sync.RWMutex
	handlers map[handlerKey]HandlerFunc

	sender Sender
	log    zerolog.Logger
}

// NewServer builds a Server.
func NewServer(sender Sender, log zerolog.Logger) *Server {
	return &Server{
		handlers: make(map[handlerKey]HandlerFunc),
		sender:   sender,
		log:      log.With().Str("component", "rpc.server").Logger(),
	}
}

// Handle registers fn to answer requests addressed to (serviceID, method).
func (s *Server) Handle(serviceID uint8, method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[handlerKey{serviceID, method}] = fn
	s.mu.Unlock()
}

// Unhandle removes a previously registered handler.
func (s *Server) Unhandle(serviceID uint8, method string) {
	s.mu.Lock()
	delete(s.handlers, handlerKey{serviceID, method})
	s.mu.Unlock()
}

// HandleRequest answers an inbound Request from from, replying with a
// Response addressed back to the same node.
func (s *Server) HandleRequest(from identity.NodeId, m Message) {
	s.mu.RLock()
	fn, ok := s.handlers[handlerKey{m.ServiceID, m.Method}]
	s.mu.RUnlock()

	resp := Message{Kind: MsgResponse, ReqID: m.ReqID, ServiceID: m.ServiceID}
	if !ok {
		resp.Ok = false
		resp.Error = fmt.Sprintf("rpc: no handler for service %d method %q", m.ServiceID, m.Method)
	} else if out, err := fn(from, m.Method, m.Payload); err != nil {
		resp.Ok = false
		resp.Error = err.Error()
	} else {
		resp.Ok = true
		resp.Payload = out
	}

	payload, err := Encode(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("rpc server: encode response")
		return
	}
	if err := s.sender.SendToNode(from, payload); err != nil {
		s.log.Debug().Err(err).Uint32("to", uint32(from)).Msg("rpc server: send response")
	}
}

// HandleMessage dispatches an inbound frame by kind: Requests are
// answered locally, Responses are handed to client for correlation.
func HandleMessage(client *Client, server *Server, from identity.NodeId, m Message) {
	switch m.Kind {
	case MsgRequest:
		server.HandleRequest(from, m)
	case MsgResponse:
		client.HandleResponse(from, m)
	}
}
