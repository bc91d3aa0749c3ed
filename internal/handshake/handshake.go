// Package handshake relays the MySQL authentication exchange between a
// client and the upstream server without interpreting auth-plugin-specific
// material, extracting the username and initial database from the client's
// HandshakeResponse41 and stripping capability bits the proxy cannot honor.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sqlwarden/sqlwarden/internal/wire"
)

// state is a relay state machine position.
type state int

const (
	waitServerGreeting state = iota
	waitClientResponse
	waitServerAuth
	waitClientAuthSwitch
	waitServerAuthSwitch
	waitClientMoreData
	waitServerMoreData
	done
	failed
)

// authKind is the pure classification of a server auth-phase packet.
type authKind int

const (
	authOk authKind = iota
	authError
	authEOF
	authSwitch
	authMoreData
	authUnknown
)

// classifyAuth implements the spec's pure classification function: 0x00 ->
// Ok, 0xFF -> Error, 0xFE with payload<9 -> Eof, 0xFE with payload>=9 ->
// AuthSwitch, 0x01 -> AuthMoreData, anything else -> Unknown.
func classifyAuth(payload []byte) authKind {
	if len(payload) == 0 {
		return authUnknown
	}
	switch payload[0] {
	case wire.MarkerOK:
		return authOk
	case wire.MarkerErr:
		return authError
	case wire.MarkerEOF:
		if len(payload) < 9 {
			return authEOF
		}
		return authSwitch
	case wire.MarkerAuthMoreData:
		return authMoreData
	default:
		return authUnknown
	}
}

// Capability bits the proxy strips from both the server greeting and the
// client's HandshakeResponse41, since it cannot honor them: no TLS
// termination, no deprecated-EOF result framing, no query-attribute header
// prefix that would otherwise break SQL extraction downstream.
const (
	capabilityClientSSL             uint32 = 0x00000800
	capabilityClientDeprecateEOF    uint32 = 0x01000000
	capabilityClientQueryAttributes uint32 = 0x10000000

	capabilityPluginAuthLenencData uint32 = 0x00200000
	capabilitySecureConnection     uint32 = 0x00008000
	capabilityConnectWithDB        uint32 = 0x00000008
)

const strippedCapabilities = capabilityClientSSL | capabilityClientDeprecateEOF | capabilityClientQueryAttributes

const maxRoundTrips = 10

var (
	ErrNestedAuthSwitch   = errors.New("handshake: nested auth switch")
	ErrRoundTripExceeded  = errors.New("handshake: round-trip limit exceeded")
	ErrMalformedResponse  = errors.New("handshake: malformed handshake response")
	ErrTerminatedByServer = errors.New("handshake: terminated by server without a relayable packet")
)

// Result carries the fields extracted from the client's handshake response.
type Result struct {
	Username string
	Database string
}

// terminateKind distinguishes whether the server's terminal packet should
// still be relayed to the client before the relay reports failure.
type terminateKind int

const (
	kTerminate terminateKind = iota
	kTerminateNoRelay
)

type terminateError struct {
	kind terminateKind
	err  error
}

func (e *terminateError) Error() string { return e.err.Error() }
func (e *terminateError) Unwrap() error { return e.err }

// Relay drives the handshake state machine between client and server. On
// success it returns the extracted username/database; the caller is
// expected to mark the session ready. On failure the error may already
// have been partially relayed to the client per kTerminate/kTerminateNoRelay
// semantics described in the package's transition table.
func Relay(client io.ReadWriter, server io.ReadWriter) (Result, error) {
	st := waitServerGreeting
	roundTrips := 0
	var result Result

	for {
		switch st {
		case waitServerGreeting:
			pkt, err := wire.ReadPacket(server)
			if err != nil {
				return result, fmt.Errorf("handshake: reading server greeting: %w", err)
			}
			stripCapabilitiesFromGreeting(&pkt)
			if err := wire.WritePacket(client, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying server greeting: %w", err)
			}
			st = waitClientResponse

		case waitClientResponse:
			pkt, err := wire.ReadPacket(client)
			if err != nil {
				return result, fmt.Errorf("handshake: reading client response: %w", err)
			}
			res, perr := extractHandshakeResponse(pkt.Payload)
			if perr != nil {
				return result, fmt.Errorf("handshake: %w", perr)
			}
			result = res
			stripCapabilitiesFromResponse(&pkt)
			if err := wire.WritePacket(server, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying client response: %w", err)
			}
			st = waitServerAuth

		case waitServerAuth:
			pkt, err := wire.ReadPacket(server)
			if err != nil {
				return result, fmt.Errorf("handshake: reading server auth: %w", err)
			}
			next, terr := nextAfterServerAuth(pkt)
			if terr != nil {
				return result, relayTerminal(client, pkt, terr)
			}
			if err := wire.WritePacket(client, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying server auth: %w", err)
			}
			if next == done {
				return result, nil
			}
			if isWaitingForClient(next) {
				roundTrips++
				if roundTrips >= maxRoundTrips {
					return result, ErrRoundTripExceeded
				}
			}
			st = next

		case waitClientAuthSwitch:
			pkt, err := wire.ReadPacket(client)
			if err != nil {
				return result, fmt.Errorf("handshake: reading client auth-switch response: %w", err)
			}
			if err := wire.WritePacket(server, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying client auth-switch response: %w", err)
			}
			st = waitServerAuthSwitch

		case waitServerAuthSwitch:
			pkt, err := wire.ReadPacket(server)
			if err != nil {
				return result, fmt.Errorf("handshake: reading server auth-switch result: %w", err)
			}
			next, terr := nextAfterAuthSwitchOrMoreData(pkt, true)
			if terr != nil {
				return result, relayTerminal(client, pkt, terr)
			}
			if err := wire.WritePacket(client, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying server auth-switch result: %w", err)
			}
			if next == done {
				return result, nil
			}
			if isWaitingForClient(next) {
				roundTrips++
				if roundTrips >= maxRoundTrips {
					return result, ErrRoundTripExceeded
				}
			}
			st = next

		case waitClientMoreData:
			pkt, err := wire.ReadPacket(client)
			if err != nil {
				return result, fmt.Errorf("handshake: reading client more-data response: %w", err)
			}
			if err := wire.WritePacket(server, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying client more-data response: %w", err)
			}
			st = waitServerMoreData

		case waitServerMoreData:
			pkt, err := wire.ReadPacket(server)
			if err != nil {
				return result, fmt.Errorf("handshake: reading server more-data result: %w", err)
			}
			next, terr := nextAfterAuthSwitchOrMoreData(pkt, false)
			if terr != nil {
				return result, relayTerminal(client, pkt, terr)
			}
			if err := wire.WritePacket(client, pkt); err != nil {
				return result, fmt.Errorf("handshake: relaying server more-data result: %w", err)
			}
			if next == done {
				return result, nil
			}
			if isWaitingForClient(next) {
				roundTrips++
				if roundTrips >= maxRoundTrips {
					return result, ErrRoundTripExceeded
				}
			}
			st = next

		default:
			return result, fmt.Errorf("handshake: unreachable state %d", st)
		}
	}
}

func isWaitingForClient(s state) bool {
	return s == waitClientAuthSwitch || s == waitClientMoreData
}

// relayTerminal applies kTerminate/kTerminateNoRelay: forward the server's
// terminal packet to the client first when the error says to, then return
// the underlying error.
func relayTerminal(client io.Writer, pkt wire.Packet, terr *terminateError) error {
	if terr.kind == kTerminate {
		_ = wire.WritePacket(client, pkt)
	}
	return terr
}

// nextAfterServerAuth decides the next state from the WaitServerAuth
// position, or returns a terminal error.
func nextAfterServerAuth(pkt wire.Packet) (state, *terminateError) {
	switch classifyAuth(pkt.Payload) {
	case authOk:
		return done, nil
	case authError, authEOF:
		return failed, &terminateError{kind: kTerminate, err: ErrTerminatedByServer}
	case authSwitch:
		return waitClientAuthSwitch, nil
	case authMoreData:
		if len(pkt.Payload) >= 2 && pkt.Payload[1] == 0x03 {
			// caching_sha2_password fast-auth OK: no client round-trip.
			return waitServerMoreData, nil
		}
		return waitClientMoreData, nil
	default:
		return failed, &terminateError{kind: kTerminateNoRelay, err: fmt.Errorf("handshake: unrecognized server auth packet")}
	}
}

// nextAfterAuthSwitchOrMoreData handles both WaitServerAuthSwitch and
// WaitServerMoreData. inAuthSwitch distinguishes which branch is active, for
// the nested-auth-switch guard; the "Unknown in WaitServerMoreData is a
// continuation, not a termination" exception only applies when
// inAuthSwitch is false (i.e. for the more-data branch).
func nextAfterAuthSwitchOrMoreData(pkt wire.Packet, inAuthSwitch bool) (state, *terminateError) {
	kind := classifyAuth(pkt.Payload)
	switch kind {
	case authOk:
		return done, nil
	case authError, authEOF:
		return failed, &terminateError{kind: kTerminate, err: ErrTerminatedByServer}
	case authSwitch:
		return failed, &terminateError{kind: kTerminateNoRelay, err: ErrNestedAuthSwitch}
	case authMoreData:
		return waitClientMoreData, nil
	default:
		if !inAuthSwitch && len(pkt.Payload) > 0 && pkt.Payload[0] == '-' {
			// Server is sending an un-framed RSA public key (caching_sha2
			// full authentication): a continuation, not a termination.
			return waitClientMoreData, nil
		}
		return failed, &terminateError{kind: kTerminateNoRelay, err: fmt.Errorf("handshake: unrecognized packet in more-data exchange")}
	}
}

// stripCapabilitiesFromGreeting clears strippedCapabilities from the
// server's Protocol::HandshakeV10 capability flags, which are split across
// two non-contiguous fields (lower 2 bytes near the start, upper 2 bytes
// after the status flags).
func stripCapabilitiesFromGreeting(pkt *wire.Packet) {
	p := pkt.Payload
	if len(p) < 2 || p[0] != 0x0a {
		return // not a v10 greeting we know how to patch; relay unmodified
	}
	pos := 1
	for pos < len(p) && p[pos] != 0 {
		pos++
	}
	pos++    // null terminator
	pos += 4 // connection id
	pos += 8 // auth-plugin-data part 1
	pos++    // filler
	if pos+2 > len(p) {
		return
	}
	capLowOff := pos
	pos += 2 // capability flags lower
	pos++    // charset
	pos += 2 // status flags
	if pos+2 > len(p) {
		return
	}
	capHighOff := pos

	capLow := uint32(p[capLowOff]) | uint32(p[capLowOff+1])<<8
	capHigh := uint32(p[capHighOff]) | uint32(p[capHighOff+1])<<8
	caps := capLow | capHigh<<16
	caps &^= strippedCapabilities
	p[capLowOff] = byte(caps)
	p[capLowOff+1] = byte(caps >> 8)
	p[capHighOff] = byte(caps >> 16)
	p[capHighOff+1] = byte(caps >> 24)
}

// stripCapabilitiesFromResponse clears the same three bits from the
// client's HandshakeResponse41 capability-flags field (first 4 bytes).
func stripCapabilitiesFromResponse(pkt *wire.Packet) {
	if len(pkt.Payload) < 4 {
		return
	}
	caps := binary.LittleEndian.Uint32(pkt.Payload[0:4])
	caps &^= strippedCapabilities
	binary.LittleEndian.PutUint32(pkt.Payload[0:4], caps)
}

// extractHandshakeResponse parses the client's HandshakeResponse41 payload,
// reading username/auth-response/database fields per the active capability
// flags. Every length and terminator is bounds-checked.
func extractHandshakeResponse(payload []byte) (Result, error) {
	const minLen = 4 + 4 + 1 + 23 + 1 // caps + max-packet + charset + reserved + at least one terminator byte
	if len(payload) < minLen {
		return Result{}, ErrMalformedResponse
	}

	caps := binary.LittleEndian.Uint32(payload[0:4])
	pos := 4 + 4 + 1 + 23 // skip max-packet-size, charset, reserved block

	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	if usernameEnd >= len(payload) {
		return Result{}, ErrMalformedResponse
	}
	username := string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	switch {
	case caps&capabilityPluginAuthLenencData != 0:
		if pos >= len(payload) {
			return Result{}, ErrMalformedResponse
		}
		n := payload[pos]
		if n == 0xfe || n == 0xff {
			return Result{}, ErrMalformedResponse
		}
		authLen := int(n)
		pos++
		if n == 0xfc || n == 0xfd {
			width := int(n-0xfc) + 2 // 0xfc: 2-byte LE length, 0xfd: 3-byte LE length
			if pos+width > len(payload) {
				return Result{}, ErrMalformedResponse
			}
			authLen = 0
			for i := 0; i < width; i++ {
				authLen |= int(payload[pos+i]) << (8 * i)
			}
			pos += width
		}
		if pos+authLen > len(payload) {
			return Result{}, ErrMalformedResponse
		}
		pos += authLen

	case caps&capabilitySecureConnection != 0:
		if pos >= len(payload) {
			return Result{}, ErrMalformedResponse
		}
		authLen := int(payload[pos])
		pos++
		if pos+authLen > len(payload) {
			return Result{}, ErrMalformedResponse
		}
		pos += authLen

	default:
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		if authEnd >= len(payload) {
			return Result{}, ErrMalformedResponse
		}
		pos = authEnd + 1
	}

	var database string
	if caps&capabilityConnectWithDB != 0 {
		if pos < len(payload) {
			dbEnd := pos
			for dbEnd < len(payload) && payload[dbEnd] != 0 {
				dbEnd++
			}
			if dbEnd >= len(payload) {
				return Result{}, ErrMalformedResponse
			}
			database = string(payload[pos:dbEnd])
		}
	}

	return Result{Username: username, Database: database}, nil
}
