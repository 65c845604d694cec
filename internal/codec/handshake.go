// Package codec implements the BitTorrent wire protocol: the fixed
// 68-byte handshake frame and the length-prefixed message stream that
// follows it.
package codec

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	// HandshakeLen is the fixed wire size of a handshake frame: 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 1 + len(protocolName) + 8 + 20 + 20
	hashLen      = 20
)

// Handshake is the 68-byte frame exchanged before any framed message.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake with an all-zero reserved field, per
// this core's scope (no extension bits set).
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Encode serializes h into the fixed 68-byte wire layout.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// WriteHandshake writes h's wire encoding to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadHandshake reads and validates a handshake frame from r, rejecting
// it if the length prefix, protocol identifier, or info-hash don't
// match expectedInfoHash. Pass a zero value for expectedInfoHash to skip
// that check (used when accepting inbound connections before the local
// info-hash is known to the caller).
func ReadHandshake(r io.Reader, expectedInfoHash [20]byte) (Handshake, error) {
	hdr := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Handshake{}, fmt.Errorf("codec: reading handshake: %w", err)
	}

	pstrlen := int(hdr[0])
	if pstrlen != len(protocolName) {
		return Handshake{}, fmt.Errorf("codec: unexpected protocol name length %d", pstrlen)
	}

	if !bytes.Equal(hdr[1:1+len(protocolName)], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("codec: protocol identifier mismatch")
	}

	var h Handshake
	copy(h.Reserved[:], hdr[20:28])
	copy(h.InfoHash[:], hdr[28:48])
	copy(h.PeerID[:], hdr[48:68])

	var zero [20]byte
	if expectedInfoHash != zero && h.InfoHash != expectedInfoHash {
		return Handshake{}, fmt.Errorf("codec: info-hash mismatch: got %x want %x", h.InfoHash, expectedInfoHash)
	}

	return h, nil
}
