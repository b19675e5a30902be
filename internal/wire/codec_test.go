package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripMessageVariants(t *testing.T) {
	cases := []any{
		&HandshakeRequest{Magic: HandshakeMagic, VersionMin: 1, VersionMax: 1, NodeID: "abc", Groups: []string{"g1"}},
		&HandshakeResponse{Version: 1, NodeID: "def"},
		&Ping{Seq: 1, SentAt: 100},
		&Pong{Seq: 1, SentAt: 100, RecvAt: 150},
		&PeerShareRequest{MaxPeers: 10},
		&PeerShareResponse{Peers: []PeerShareEntry{{NodeID: "x", Addrs: []string{"1.2.3.4:9000"}}}},
		&SyncRequest{GroupID: "g1", Since: "2026-01-01T00:00:00Z", Limit: 50},
		&SyncResponse{Items: []ItemHeader{{ItemID: "i1", Checksum: "abc"}}, HasMore: true},
		&FetchRequest{ItemIDs: []string{"i1", "i2"}},
		&FetchResponse{Items: []Item{{ID: "i1", Data: []byte("blob")}}},
		&PushAck{Stored: []string{"i1"}, Rejected: []string{"i2"}},
		&GroupExchange{Descriptors: []GroupDescriptorWire{{ID: "g1", Culture: "chatty"}}},
	}

	for _, original := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, original))

		decoded := newLike(original)
		require.NoError(t, ReadFrame(&buf, decoded))
		require.Equal(t, original, decoded)
	}
}

// newLike allocates a zero value of the same concrete pointer type as v,
// so ReadFrame can decode into it for comparison with require.Equal.
func newLike(v any) any {
	switch v.(type) {
	case *HandshakeRequest:
		return &HandshakeRequest{}
	case *HandshakeResponse:
		return &HandshakeResponse{}
	case *Ping:
		return &Ping{}
	case *Pong:
		return &Pong{}
	case *PeerShareRequest:
		return &PeerShareRequest{}
	case *PeerShareResponse:
		return &PeerShareResponse{}
	case *SyncRequest:
		return &SyncRequest{}
	case *SyncResponse:
		return &SyncResponse{}
	case *FetchRequest:
		return &FetchRequest{}
	case *FetchResponse:
		return &FetchResponse{}
	case *PushAck:
		return &PushAck{}
	case *GroupExchange:
		return &GroupExchange{}
	default:
		panic("unhandled case in test")
	}
}

func TestFrameSizeBoundary(t *testing.T) {
	// Exactly MaxFrameSize is accepted: a JSON string of n plain ASCII
	// characters encodes to n+2 bytes (the two quotes).
	atCap := strings.Repeat("a", MaxFrameSize-2)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, atCap))
	var decoded string
	require.NoError(t, ReadFrame(&buf, &decoded))
	require.Equal(t, atCap, decoded)

	// One byte above the cap is rejected outright by WriteFrame.
	tooBig := strings.Repeat("a", MaxFrameSize-1)
	var buf2 bytes.Buffer
	err := WriteFrame(&buf2, tooBig)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsOversizeLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	hdr[0] = 0xFF // announces a payload far larger than MaxFrameSize
	buf.Write(hdr)

	var v Ping
	err := ReadFrame(&buf, &v)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
