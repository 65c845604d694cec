// Package idgen generates the 20-byte peer-id this client presents in
// handshakes and tracker announces.
package idgen

import "github.com/google/uuid"

// clientPrefix follows the Azureus-style convention ("-XX0001-") the
// teacher's GeneratePeerID already used, renamed for this client.
const clientPrefix = "-BC0001-"

// NewPeerID builds a 20-byte peer-id: the fixed client prefix followed
// by bytes from a fresh UUIDv4, so distinct runs of the client never
// collide. main.go calls it once per run, so every torrent downloaded
// in one run presents the same peer-id.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	u := uuid.New()
	copy(id[len(clientPrefix):], u[:])
	return id
}
