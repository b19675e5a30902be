package transport

import (
	"fmt"
	"io"
	"time"

	"memnet/internal/identity"
	"memnet/internal/wire"
)

// HandshakeRejectedError distinguishes a protocol-level handshake
// rejection (wrong protocol byte, bad magic, version mismatch) from an
// ordinary transport-level failure (read/write error, disconnect). Callers
// report either kind to the governor as EventHandshakeFailure, which only
// logs it; neither kind bans the peer.
type HandshakeRejectedError struct{ Reason string }

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("transport: handshake rejected: %s", e.Reason)
}

// respondHandshake serves the responder side of the handshake
// mini-protocol (spec §4.2, protocol byte 0x01, first stream of a
// connection only): read the request, check magic and version overlap,
// and reply with this node's identity and group set.
func respondHandshake(s Stream, self *identity.Identity, groups []string) (wire.HandshakeRequest, error) {
	var req wire.HandshakeRequest
	var proto [1]byte
	if _, err := io.ReadFull(s, proto[:]); err != nil {
		return req, fmt.Errorf("transport: read handshake protocol byte: %w", err)
	}
	if wire.ProtocolByte(proto[0]) != wire.ProtoHandshake {
		return req, &HandshakeRejectedError{Reason: "first stream is not a handshake"}
	}
	if err := wire.ReadFrame(s, &req); err != nil {
		return req, fmt.Errorf("transport: read handshake request: %w", err)
	}

	resp := wire.HandshakeResponse{
		Version:   ProtocolVersion,
		NodeID:    self.NodeID.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Groups:    groups,
	}
	if req.Magic != wire.HandshakeMagic {
		resp.Version = 0
		resp.RejectReason = "bad magic"
	} else if ProtocolVersion < req.VersionMin || ProtocolVersion > req.VersionMax {
		resp.Version = 0
		resp.RejectReason = "version mismatch"
	}
	if err := wire.WriteFrame(s, resp); err != nil {
		return req, fmt.Errorf("transport: write handshake response: %w", err)
	}
	if resp.Version == 0 {
		return req, &HandshakeRejectedError{Reason: resp.RejectReason}
	}
	return req, nil
}

// initiateHandshake drives the initiator side: open the first stream,
// send our identity and group set, and validate the response.
func initiateHandshake(s Stream, self *identity.Identity, groups []string) (wire.HandshakeResponse, error) {
	req := wire.HandshakeRequest{
		Magic: wire.HandshakeMagic, VersionMin: ProtocolVersion, VersionMax: ProtocolVersion,
		NodeID: self.NodeID.String(), Timestamp: time.Now().UTC().Format(time.RFC3339), Groups: groups,
	}
	if _, err := s.Write([]byte{byte(wire.ProtoHandshake)}); err != nil {
		return wire.HandshakeResponse{}, fmt.Errorf("transport: write handshake protocol byte: %w", err)
	}
	if err := wire.WriteFrame(s, req); err != nil {
		return wire.HandshakeResponse{}, fmt.Errorf("transport: write handshake request: %w", err)
	}
	var resp wire.HandshakeResponse
	if err := wire.ReadFrame(s, &resp); err != nil {
		return resp, fmt.Errorf("transport: read handshake response: %w", err)
	}
	if resp.Version == 0 {
		return resp, &HandshakeRejectedError{Reason: resp.RejectReason}
	}
	return resp, nil
}
