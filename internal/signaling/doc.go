// Package signaling carries room envelopes between a mesh participant and the
// relay.
//
// The wire format is one JSON object per websocket text frame using the
// browser field names (type, room, from, to, clients, sdp, candidate), so
// browser clients and Go peers can share a room.
package signaling
