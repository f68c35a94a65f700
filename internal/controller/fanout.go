package controller

import "github.com/8xff/sdn-overlay/internal/pubsub"

// nodeFanout implements pubsub.LocalFanout by surfacing each delivery as a
// controller Event, rather than maintaining a separate per-subscriber
// queue: callers observe deliveries through Node.Events() alongside every
// other controller notification.
type nodeFanout struct {
	n *Node
}

func (f *nodeFanout) Deliver(sub pubsub.LocalSubId, ci pubsub.ChannelIdentify, payload []byte) bool {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.n.emit(Event{
		Kind: EventPubSubData,
		PubSub: PubSubDelivery{
			Sub:     sub,
			Channel: ci,
			Payload: cp,
		},
	})
	return true
}
