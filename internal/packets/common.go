// Packets exchanged between game clients and the auth server.
package packets

import "errors"

// HeaderSize is the length of the header that starts every client packet.
const HeaderSize = 0x04

// ErrMalformedFrame is returned when a frame's contents do not match its header.
var ErrMalformedFrame = errors.New("malformed frame")

// Header starts every client packet and the proof reply. Size counts the bytes
// that follow the header.
type Header struct {
	ID    uint8
	Error uint8
	Size  uint16
}

// Version of the game client.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint8
}

// AuthResult is the error code of a GatherInfo reply.
type AuthResult uint8

const (
	AuthSuccess AuthResult = iota
	AuthFailedUnknownAccount
	AuthFailedAccountBanned
	AuthFailedWrongPassword
	AuthFailedWrongClientVersion
	AuthFailedUsernameInUse
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthFailedUnknownAccount:
		return "unknown_account"
	case AuthFailedAccountBanned:
		return "account_banned"
	case AuthFailedWrongPassword:
		return "wrong_password"
	case AuthFailedWrongClientVersion:
		return "wrong_client_version"
	case AuthFailedUsernameInUse:
		return "username_in_use"
	}
	return "unknown"
}

// ProofResult is the error code of a LoginProof reply.
type ProofResult uint8

const (
	ProofSuccess ProofResult = iota
	ProofFailed
)

func (r ProofResult) String() string {
	if r == ProofSuccess {
		return "success"
	}
	return "failed"
}
