package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// ackRetryMs and ackRetries match DHT-KV's ack policy (internal/dhtkv):
// "Every ack has a per-request retry at 200 ms for 5 attempts; thereafter
// the local write surfaces as failed," applied here to RPC calls instead
// of DHT-KV writes.
const (
	ackRetryMs = 200
	ackRetries = 5
)

// ErrTimeout is returned by Call when a request goes unanswered after
// exhausting ackRetries.
var ErrTimeout = errors.New("rpc: call timed out")

type pendingCall struct {
	target   Target
	req      Message
	sentMs   uint64
	attempts int
	resultCh chan callResult
}

type callResult struct {
	payload []byte
	err     error
}

// Client is the caller side of the RPC feature: it issues Call, resends
// unanswered requests on the DHT-KV ack cadence, and resolves pending
// calls when a Response arrives.
type Client struct {
	mu        sync.Mutex
	nextReqID uint64
	pending   map[uint64]*pendingCall

	sender Sender
	log    zerolog.Logger
}

// NewClient builds a Client.
func NewClient(sender Sender, log zerolog.Logger) *Client {
	return &Client{
		pending: make(map[uint64]*pendingCall),
		sender:  sender,
		log:     log.With().Str("component", "rpc.client").Logger(),
	}
}

// Call sends a request to target, dispatched on the remote side to
// serviceID's registered handler for method, and blocks until a response
// arrives, ctx is cancelled, or the request times out after ackRetries
// unanswered resends.
func (c *Client) Call(ctx context.Context, target Target, serviceID uint8, method string, payload []byte, nowMs uint64) ([]byte, error) {
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	req := Message{Kind: MsgRequest, ReqID: reqID, ServiceID: serviceID, Method: method, Payload: payload}
	pc := &pendingCall{target: target, req: req, sentMs: nowMs, resultCh: make(chan callResult, 1)}
	c.pending[reqID] = pc
	c.mu.Unlock()

	if err := c.dispatch(pc); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-pc.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) dispatch(pc *pendingCall) error {
	payload, err := Encode(pc.req)
	if err != nil {
		return fmt.Errorf("rpc: encode request: %w", err)
	}
	return pc.target.send(c.sender, payload)
}

// Tick resends unanswered calls at ackRetryMs and fails any that have
// exhausted ackRetries. Call this once per controller tick.
func (c *Client) Tick(nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for reqID, pc := range c.pending {
		if nowMs-pc.sentMs < ackRetryMs {
			continue
		}
		if pc.attempts >= ackRetries {
			delete(c.pending, reqID)
			pc.resultCh <- callResult{err: ErrTimeout}
			continue
		}
		pc.attempts++
		pc.sentMs = nowMs
		if err := c.dispatch(pc); err != nil {
			c.log.Debug().Err(err).Uint64("reqID", reqID).Msg("rpc client: resend")
		}
	}
}

// HandleResponse resolves a pending call against an inbound Response.
func (c *Client) HandleResponse(from identity.NodeId, m Message) {
	c.mu.Lock()
	pc, ok := c.pending[m.ReqID]
	if ok {
		delete(c.pending, m.ReqID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if m.Ok {
		pc.resultCh <- callResult{payload: m.Payload}
	} else {
		pc.resultCh <- callResult{err: errors.New(m.Error)}
	}
}
