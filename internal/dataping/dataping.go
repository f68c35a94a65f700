// Package dataping implements the fixed "data" feature (feature slot 1,
// spec.md 4.H): a minimal routed ping/pong used by spec.md §8's S2
// scenario ("node 1's data.ping(3) succeeds; node 3 returns
// Pong(3, Some(0))").
package dataping

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// FeatureID is this feature's fixed slot.
const FeatureID uint8 = 1

// ackRetryMs and ackRetries match the rest of the overlay's ack cadence
// (internal/dhtkv, internal/rpc).
const (
	ackRetryMs = 200
	ackRetries = 5
)

// MsgKind tags the ping/pong wire union.
type MsgKind uint8

const (
	MsgPing MsgKind = iota
	MsgPong
)

// Message is the single wire type for both directions.
type Message struct {
	Kind   MsgKind `msgpack:"k"`
	Seq    uint64  `msgpack:"s"`
	SentMs uint64  `msgpack:"t"`
	From   uint32  `msgpack:"f"`
}

// Encode serializes a Message.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("dataping: encode: %w", err)
	}
	return b, nil
}

// Decode parses a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("dataping: decode: %w", err)
	}
	return m, nil
}

// Sender routes an encoded dataping frame to dest, multi-hop if needed.
type Sender interface {
	SendToNode(dest identity.NodeId, featureID uint8, payload []byte) error
}

// Result is a resolved Ping: the responder and the observed round-trip
// time in milliseconds.
type Result struct {
	From  identity.NodeId
	RttMs uint64
}

type pendingPing struct {
	dest     identity.NodeId
	sentMs   uint64
	attempts int
	resultCh chan pingResult
}

type pingResult struct {
	res Result
	err error
}

// Feature is the data feature: it issues Ping and answers inbound Pings
// with a Pong carrying the original timestamp back.
type Feature struct {
	mu      sync.Mutex
	self    identity.NodeId
	nextSeq uint64
	pending map[uint64]*pendingPing
	sender  Sender
	log     zerolog.Logger
}

// New constructs a Feature.
func New(self identity.NodeId, sender Sender, log zerolog.Logger) *Feature {
	return &Feature{
		self:    self,
		pending: make(map[uint64]*pendingPing),
		sender:  sender,
		log:     log.With().Str("component", "dataping").Logger(),
	}
}

// Ping sends a Ping to dest and blocks for its Pong, a context cancellation,
// or exhausting ackRetries unanswered resends.
func (f *Feature) Ping(ctx context.Context, dest identity.NodeId, nowMs uint64) (Result, error) {
	f.mu.Lock()
	f.nextSeq++
	seq := f.nextSeq
	pp := &pendingPing{dest: dest, sentMs: nowMs, resultCh: make(chan pingResult, 1)}
	f.pending[seq] = pp
	f.mu.Unlock()

	if err := f.send(pp.dest, seq, nowMs); err != nil {
		f.mu.Lock()
		delete(f.pending, seq)
		f.mu.Unlock()
		return Result{}, err
	}

	select {
	case r := <-pp.resultCh:
		return r.res, r.err
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.pending, seq)
		f.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

func (f *Feature) send(dest identity.NodeId, seq, nowMs uint64) error {
	payload, err := Encode(Message{Kind: MsgPing, Seq: seq, SentMs: nowMs})
	if err != nil {
		return err
	}
	return f.sender.SendToNode(dest, FeatureID, payload)
}

// Tick resends unanswered pings and fails any that have exhausted
// ackRetries.
func (f *Feature) Tick(nowMs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for seq, pp := range f.pending {
		if nowMs-pp.sentMs < ackRetryMs {
			continue
		}
		if pp.attempts >= ackRetries {
			delete(f.pending, seq)
			pp.resultCh <- pingResult{err: fmt.Errorf("dataping: ping to %d timed out", pp.dest)}
			continue
		}
		pp.attempts++
		pp.sentMs = nowMs
		if err := f.send(pp.dest, seq, nowMs); err != nil {
			f.log.Debug().Err(err).Uint64("seq", seq).Msg("resend ping")
		}
	}
}

// HandleFrame decodes and dispatches an inbound dataping frame from from.
func (f *Feature) HandleFrame(from identity.NodeId, payload []byte, nowMs uint64) error {
	m, err := Decode(payload)
	if err != nil {
		return err
	}
	switch m.Kind {
	case MsgPing:
		resp, err := Encode(Message{Kind: MsgPong, Seq: m.Seq, SentMs: m.SentMs, From: uint32(f.self)})
		if err != nil {
			return err
		}
		return f.sender.SendToNode(from, FeatureID, resp)
	case MsgPong:
		f.mu.Lock()
		pp, ok := f.pending[m.Seq]
		if ok {
			delete(f.pending, m.Seq)
		}
		f.mu.Unlock()
		if !ok {
			return nil
		}
		var rtt uint64
		if nowMs > m.SentMs {
			rtt = nowMs - m.SentMs
		}
		pp.resultCh <- pingResult{res: Result{From: from, RttMs: rtt}}
	}
	return nil
}
