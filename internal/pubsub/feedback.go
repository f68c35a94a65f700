package pubsub

import "github.com/8xff/sdn-overlay/internal/identity"

// SendFeedbackPassthrough forwards a raw feedback payload one hop toward
// the channel's source, from either a local consumer or a downstream
// relay. Passthrough feedback is never aggregated, per spec.md 4.G.
func (r *Relay) SendFeedbackPassthrough(ci ChannelIdentify, feedbackID uint8, payload []byte) {
	r.mu.Lock()
	e, ok := r.entries[ci]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.relayFeedbackPassthrough(ci, e, feedbackID, payload)
}

func (r *Relay) relayFeedbackPassthrough(ci ChannelIdentify, e *relayEntry, feedbackID uint8, payload []byte) {
	if ci.Source == r.self || !e.hasUpstream {
		r.emit(Event{Kind: EventFeedbackPassthrough, Identify: ci, FeedbackID: feedbackID, Data: payload})
		return
	}
	r.send(e.upstream, Message{
		Kind: MsgFeedbackPassthrough, Channel: ci.Channel, Source: uint32(ci.Source),
		FeedbackID: feedbackID, Data: payload,
	})
}

// HandleFeedbackPassthrough processes a Passthrough feedback frame
// arriving from a downstream neighbor.
func (r *Relay) HandleFeedbackPassthrough(conn identity.ConnId, m Message) {
	ci := m.identify()
	r.mu.Lock()
	e, ok := r.entries[ci]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.relayFeedbackPassthrough(ci, e, m.FeedbackID, m.Data)
}

// SendFeedbackNumber folds a local consumer's numeric feedback sample into
// the per-(channel, feedback_id) aggregate, to be flushed upstream at most
// once every windowMs by Tick.
func (r *Relay) SendFeedbackNumber(ci ChannelIdentify, feedbackID uint8, windowMs uint32, sample NumberInfo, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ci]
	if !ok {
		return
	}
	r.aggregateFeedbackLocked(e, feedbackID, windowMs, sample, nowMs)
}

// HandleFeedbackNumber folds a downstream neighbor's already-aggregated
// report into this node's own aggregate for the same (channel,
// feedback_id), to be re-flushed upstream on the same window.
func (r *Relay) HandleFeedbackNumber(conn identity.ConnId, m Message) {
	ci := m.identify()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ci]
	if !ok {
		return
	}
	r.aggregateFeedbackLocked(e, m.FeedbackID, m.WindowMs, m.Number, 0)
}

// defaultFeedbackWindowMs is the Number feedback flush window used when the
// first sample for a feedback_id names no window.
const defaultFeedbackWindowMs = 200

func (r *Relay) aggregateFeedbackLocked(e *relayEntry, feedbackID uint8, windowMs uint32, sample NumberInfo, nowMs uint64) {
	agg, ok := e.feedback[feedbackID]
	if !ok {
		if windowMs == 0 {
			windowMs = defaultFeedbackWindowMs
		}
		agg = &feedbackAgg{windowMs: windowMs, lastEmitMs: nowMs}
		e.feedback[feedbackID] = agg
	}
	if windowMs > 0 {
		agg.windowMs = windowMs
	}
	agg.info = agg.info.Combine(sample)
	agg.dirty = true
}
