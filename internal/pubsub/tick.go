package pubsub

import (
	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
)

// Tick drives Sub/Unsub ack retries (200ms x5), periodic upstream
// reconciliation for entries still waiting on a route, and feedback
// window flushing. Call it once per controller tick.
func (r *Relay) Tick(nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ci, e := range r.entries {
		r.tickAckLocked(ci, e, nowMs)
		r.tickRouteLocked(ci, e, nowMs)
		r.tickFeedbackLocked(ci, e, nowMs)
	}
}

func (r *Relay) tickAckLocked(ci ChannelIdentify, e *relayEntry, nowMs uint64) {
	if e.pending == nil {
		return
	}
	if nowMs-e.pending.sentMs < ackRetryMs {
		return
	}
	if e.pending.attempts >= ackRetries {
		switch e.pending.kind {
		case MsgSub:
			delete(r.entries, ci)
			r.emit(Event{Kind: EventRouteChanged, Identify: ci, HasSource: false})
		case MsgUnsub:
			delete(r.entries, ci)
		}
		return
	}
	e.pending.attempts++
	e.pending.sentMs = nowMs
	r.send(e.upstream, Message{Kind: e.pending.kind, Channel: ci.Channel, Source: uint32(ci.Source)})
}

// tickRouteLocked re-resolves the upstream hop for entries that are
// waiting on one (StateEmpty with subscribers) or already subscribed, and
// reacts to a changed or vanished route per spec.md 4.G: "Upstream
// failures (conn closed, route change): state becomes
// RouteChanged(new_upstream)."
func (r *Relay) tickRouteLocked(ci ChannelIdentify, e *relayEntry, nowMs uint64) {
	if ci.Source == r.self || e.refCount() == 0 {
		return
	}
	if e.state == StateUnsubscribing || e.state == StateDestroyed {
		return
	}

	dest := r.table.Next(ci.Source, nil)
	switch {
	case dest.Action != router.ActionNext:
		if e.hasUpstream {
			e.hasUpstream = false
			e.pending = nil
			e.state = StateEmpty
		}
	case e.state == StateEmpty:
		r.propagateUpstreamLocked(ci, e, nowMs)
	case e.hasUpstream && dest.Conn != e.upstream:
		r.switchUpstreamLocked(ci, e, dest.Conn, nowMs)
	}
}

func (r *Relay) switchUpstreamLocked(ci ChannelIdentify, e *relayEntry, newUpstream identity.ConnId, nowMs uint64) {
	old := e.upstream
	hadUpstream := e.hasUpstream
	e.state = StateRouteChanged
	if hadUpstream {
		r.send(old, Message{Kind: MsgUnsub, Channel: ci.Channel, Source: uint32(ci.Source)})
	}
	e.upstream = newUpstream
	e.hasUpstream = true
	e.state = StateSubscribing
	e.pending = &pendingAck{kind: MsgSub, sentMs: nowMs}
	r.send(newUpstream, Message{Kind: MsgSub, Channel: ci.Channel, Source: uint32(ci.Source)})
	r.emit(Event{Kind: EventRouteChanged, Identify: ci, HasSource: true})
}

// NotifyConnClosed reacts to a neighbor link going down: any relay entry
// whose upstream was that link re-resolves a new one (or tears down), and
// any remote subscriber on that link is treated as an implicit Unsub.
func (r *Relay) NotifyConnClosed(conn identity.ConnId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ci, e := range r.entries {
		if _, ok := e.remoteSubs[conn]; ok {
			delete(e.remoteSubs, conn)
			r.maybeUnsubscribeLocked(ci, e, nowMs)
		}
		if e.hasUpstream && e.upstream == conn {
			e.hasUpstream = false
			e.pending = nil
			r.tickRouteLocked(ci, e, nowMs)
		}
	}
}

func (r *Relay) tickFeedbackLocked(ci ChannelIdentify, e *relayEntry, nowMs uint64) {
	for id, agg := range e.feedback {
		if !agg.dirty || nowMs-agg.lastEmitMs < uint64(agg.windowMs) {
			continue
		}
		r.flushFeedbackLocked(ci, e, id, agg, nowMs)
	}
}

func (r *Relay) flushFeedbackLocked(ci ChannelIdentify, e *relayEntry, feedbackID uint8, agg *feedbackAgg, nowMs uint64) {
	agg.dirty = false
	agg.lastEmitMs = nowMs
	if ci.Source == r.self || !e.hasUpstream {
		r.emit(Event{Kind: EventFeedbackNumber, Identify: ci, FeedbackID: feedbackID, Number: agg.info})
		return
	}
	r.send(e.upstream, Message{
		Kind: MsgFeedbackNumber, Channel: ci.Channel, Source: uint32(ci.Source),
		FeedbackID: feedbackID, WindowMs: agg.windowMs, Number: agg.info,
	})
}
