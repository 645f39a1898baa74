// Package mesh builds and maintains a full mesh of peer connections for one
// room.
//
// A Coordinator owns the room session: it reacts to relay envelopes, creates
// one PeerLink per remote participant and tears everything down on leave or
// transport loss. Each PeerLink runs the offer/answer exchange for its peer on
// its own goroutine so one slow peer never stalls the others.
//
// Who offers is decided by how a peer was introduced: peers listed in the
// welcome are offered to, peers announced later via new-peer (or that send an
// offer first) are answered. Two participants therefore never both offer.
package mesh
