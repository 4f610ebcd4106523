package packets

import (
	"fmt"

	"github.com/dcrodman/warden/internal/core/bytes"
)

// Packet types for packets sent to and from the auth server.
const (
	GatherInfoType = 0x00
	LoginProofType = 0x01
)

const (
	// MaxUsernameLength and MaxPasswordLength bound the variable part of the
	// client's packets.
	MaxUsernameLength = 16
	MaxPasswordLength = 16

	// versionMajor..usernameSize
	gatherInfoFixedSize = HeaderSize + 4
	// ivPrefix, passwordSize
	loginProofFixedSize = HeaderSize + 5

	// MaxGatherInfoSize and MaxLoginProofSize are the largest frames a client may declare.
	MaxGatherInfoSize = gatherInfoFixedSize + MaxUsernameLength
	MaxLoginProofSize = loginProofFixedSize + MaxPasswordLength

	SessionKeySize = 16
	GreetcodeSize  = 16
)

// GatherInfo is the first packet of the login sequence.
type GatherInfo struct {
	Header   Header
	Version  Version
	Username string
}

// LoginProof carries the password and the client's IV prefix.
type LoginProof struct {
	Header   Header
	IVPrefix uint32
	Password string
}

// GatherInfoReply only carries a result code.
type GatherInfoReply struct {
	ID    uint8
	Error AuthResult
}

// LoginProofReply carries the session key and greetcode on success.
type LoginProofReply struct {
	Header     Header
	SessionKey [SessionKeySize]byte
	Greetcode  [GreetcodeSize]byte
}

// PeekHeader reads the header at the start of b. b must hold at least HeaderSize bytes.
func PeekHeader(b []byte) Header {
	return readHeader(bytes.NewReader(b))
}

// FrameLength returns the length of the whole frame described by h.
func (h Header) FrameLength() int {
	return HeaderSize + int(h.Size)
}

func readHeader(r *bytes.Reader) Header {
	return Header{ID: r.Uint8(), Error: r.Uint8(), Size: r.Uint16()}
}

// readString reads a u8 length followed by that many bytes, which must be the
// last field of the frame. The length is validated against max.
func readString(r *bytes.Reader, max int) (string, error) {
	n := int(r.Uint8())
	if r.Err() != nil {
		return "", r.Err()
	}
	if n == 0 || n > max {
		return "", fmt.Errorf("%w: string length %d", ErrMalformedFrame, n)
	}
	if n > r.Remaining() {
		return "", fmt.Errorf("%w: string length %d exceeds frame", ErrMalformedFrame, n)
	}
	s := string(r.Bytes(n))
	if r.Remaining() != 0 {
		return "", fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.Remaining())
	}
	return s, r.Err()
}

// DecodeGatherInfo parses one complete GatherInfo frame.
func DecodeGatherInfo(frame []byte) (*GatherInfo, error) {
	r := bytes.NewReader(frame)
	pkt := &GatherInfo{Header: readHeader(r)}
	if pkt.Header.ID != GatherInfoType {
		return nil, fmt.Errorf("%w: unexpected id %#x", ErrMalformedFrame, pkt.Header.ID)
	}
	if pkt.Header.FrameLength() != len(frame) {
		return nil, fmt.Errorf("%w: declared size %d for %d bytes", ErrMalformedFrame, pkt.Header.Size, len(frame))
	}
	pkt.Version = Version{Major: r.Uint8(), Minor: r.Uint8(), Revision: r.Uint8()}

	username, err := readString(r, MaxUsernameLength)
	if err != nil {
		return nil, fmt.Errorf("reading username: %w", err)
	}
	pkt.Username = username
	return pkt, nil
}

// DecodeLoginProof parses one complete LoginProof frame.
func DecodeLoginProof(frame []byte) (*LoginProof, error) {
	r := bytes.NewReader(frame)
	pkt := &LoginProof{Header: readHeader(r)}
	if pkt.Header.ID != LoginProofType {
		return nil, fmt.Errorf("%w: unexpected id %#x", ErrMalformedFrame, pkt.Header.ID)
	}
	if pkt.Header.FrameLength() != len(frame) {
		return nil, fmt.Errorf("%w: declared size %d for %d bytes", ErrMalformedFrame, pkt.Header.Size, len(frame))
	}
	pkt.IVPrefix = r.Uint32()

	password, err := readString(r, MaxPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	pkt.Password = password
	return pkt, nil
}

// EncodeGatherInfo builds the frame a client sends to start the login sequence.
func EncodeGatherInfo(v Version, username string) []byte {
	w := bytes.NewWriter(gatherInfoFixedSize + len(username))
	w.Uint8(GatherInfoType).Uint8(0).Uint16(uint16(gatherInfoFixedSize - HeaderSize + len(username)))
	w.Uint8(v.Major).Uint8(v.Minor).Uint8(v.Revision)
	w.Uint8(uint8(len(username))).Bytes([]byte(username))
	return w.Data()
}

// EncodeLoginProof builds the frame a client sends to prove its password.
func EncodeLoginProof(ivPrefix uint32, password string) []byte {
	w := bytes.NewWriter(loginProofFixedSize + len(password))
	w.Uint8(LoginProofType).Uint8(0).Uint16(uint16(loginProofFixedSize - HeaderSize + len(password)))
	w.Uint32(ivPrefix)
	w.Uint8(uint8(len(password))).Bytes([]byte(password))
	return w.Data()
}

func (p GatherInfoReply) Encode() []byte {
	return []byte{p.ID, uint8(p.Error)}
}

// NewLoginProofReply builds a reply whose size covers the key and greetcode
// on success and nothing otherwise.
func NewLoginProofReply(result ProofResult, key [SessionKeySize]byte, greetcode [GreetcodeSize]byte) LoginProofReply {
	reply := LoginProofReply{Header: Header{ID: LoginProofType, Error: uint8(result)}}
	if result == ProofSuccess {
		reply.Header.Size = SessionKeySize + GreetcodeSize
		reply.SessionKey = key
		reply.Greetcode = greetcode
	}
	return reply
}

func (p LoginProofReply) Encode() []byte {
	w := bytes.NewWriter(p.Header.FrameLength())
	w.Uint8(p.Header.ID).Uint8(p.Header.Error).Uint16(p.Header.Size)
	if p.Header.Size > 0 {
		w.Bytes(p.SessionKey[:]).Bytes(p.Greetcode[:])
	}
	return w.Data()
}
