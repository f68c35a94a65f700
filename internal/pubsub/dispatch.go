package pubsub

import "github.com/8xff/sdn-overlay/internal/identity"

// HandleMessage dispatches an inbound frame arriving on conn to the right
// handler by kind. Controllers call this for every feature-5 data frame
// once decoded.
func (r *Relay) HandleMessage(conn identity.ConnId, m Message, nowMs uint64) {
	switch m.Kind {
	case MsgSub:
		r.HandleRemoteSub(conn, m, nowMs)
	case MsgUnsub:
		r.HandleRemoteUnsub(conn, m, nowMs)
	case MsgSubOk, MsgUnsubOk:
		r.HandleAck(m)
	case MsgData:
		r.HandleData(m.identify(), m.Data)
	case MsgFeedbackPassthrough:
		r.HandleFeedbackPassthrough(conn, m)
	case MsgFeedbackNumber:
		r.HandleFeedbackNumber(conn, m)
	}
}
