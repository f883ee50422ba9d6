// Package rtmp implements the ingest-side boundary named in spec.md
// §4.7/§6: a version-3 handshake, chunk stream dechunking, a minimal AMF0
// decoder for the command/metadata messages the sink cares about, and an
// in-memory moov synthesizer for the finished recording. Grounded on
// other_examples' alxayo-rtmp-go chunk reader and AgustinSRG-rtmp-server
// protocol constants; no pack example ships an RTMP AMF0 library, so the
// decoder here is hand-rolled against those references.
package rtmp

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nota-av/fmp4stream/internal/streamerr"
)

const (
	rtmpVersion       = 3
	handshakeSize     = 1536
	defaultChunkSize  = 128
	windowAckSize     = 2500000
)

// Handshake runs the server side of the version-3 C0/C1/C2 <-> S0/S1/S2
// exchange (rfc-equivalent: Adobe RTMP spec §5.2) over rw, and returns a
// buffered reader positioned right after C2 for the chunk dechunker to
// continue reading from (a plain io.Reader would lose any bytes bufio
// already pulled off the socket).
func Handshake(rw io.ReadWriter) (*bufio.Reader, error) {
	br := bufio.NewReader(rw)

	var c0 [1]byte
	if _, err := io.ReadFull(br, c0[:]); err != nil {
		return nil, fmt.Errorf("%w: c0: %v", streamerr.TransportError, err)
	}
	if c0[0] != rtmpVersion {
		return nil, fmt.Errorf("%w: unsupported rtmp version %d", streamerr.ProtocolError, c0[0])
	}

	c1 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(br, c1); err != nil {
		return nil, fmt.Errorf("%w: c1: %v", streamerr.TransportError, err)
	}

	s1 := make([]byte, handshakeSize)
	binary.BigEndian.PutUint32(s1[0:4], 0) // time
	binary.BigEndian.PutUint32(s1[4:8], 0) // zero
	if _, err := rand.Read(s1[8:]); err != nil {
		return nil, err
	}

	s2 := make([]byte, handshakeSize)
	copy(s2, c1) // echo C1 back as S2, per the simple (non-digest) handshake variant

	if _, err := rw.Write([]byte{rtmpVersion}); err != nil {
		return nil, fmt.Errorf("%w: s0: %v", streamerr.TransportError, err)
	}
	if _, err := rw.Write(s1); err != nil {
		return nil, fmt.Errorf("%w: s1: %v", streamerr.TransportError, err)
	}
	if _, err := rw.Write(s2); err != nil {
		return nil, fmt.Errorf("%w: s2: %v", streamerr.TransportError, err)
	}

	c2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(br, c2); err != nil {
		return nil, fmt.Errorf("%w: c2: %v", streamerr.TransportError, err)
	}
	return br, nil
}
