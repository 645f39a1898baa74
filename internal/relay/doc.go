// Package relay is the signaling relay: it tracks room membership and routes
// envelopes between the members of a room. It never sees media.
//
// A member joins by sending a join envelope as its first frame. The relay
// answers with a welcome listing the members already present and announces
// the newcomer to them with new-peer. offer, answer and candidate envelopes
// are delivered to their addressee in the same room; the relay stamps the
// sender id bound at join into from. When a member leaves or its socket
// drops, the remaining members receive leave.
package relay
