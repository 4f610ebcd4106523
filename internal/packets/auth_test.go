package packets

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeGatherInfo(t *testing.T) {
	got := EncodeGatherInfo(Version{Major: 1, Minor: 2, Revision: 3}, "bob")
	want := []byte{
		GatherInfoType, 0x00, 0x07, 0x00, // header, size = 4 + len("bob")
		0x01, 0x02, 0x03,
		0x03, 'b', 'o', 'b',
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EncodeGatherInfo() did not match expected; diff:\n%s", diff)
	}

	pkt, err := DecodeGatherInfo(got)
	if err != nil {
		t.Fatalf("DecodeGatherInfo() returned an unexpected error: %v", err)
	}
	wantPkt := &GatherInfo{
		Header:   Header{ID: GatherInfoType, Size: 7},
		Version:  Version{Major: 1, Minor: 2, Revision: 3},
		Username: "bob",
	}
	if diff := cmp.Diff(wantPkt, pkt); diff != "" {
		t.Errorf("DecodeGatherInfo() did not match expected; diff:\n%s", diff)
	}
}

func TestDecodeLoginProof(t *testing.T) {
	frame := EncodeLoginProof(0xdeadbeef, "right")
	if len(frame) != HeaderSize+5+5 {
		t.Fatalf("unexpected frame length %d", len(frame))
	}

	pkt, err := DecodeLoginProof(frame)
	if err != nil {
		t.Fatalf("DecodeLoginProof() returned an unexpected error: %v", err)
	}
	if pkt.IVPrefix != 0xdeadbeef || pkt.Password != "right" {
		t.Errorf("unexpected packet %+v", pkt)
	}
}

func TestMaxSizes(t *testing.T) {
	if MaxGatherInfoSize != 24 {
		t.Errorf("expected MaxGatherInfoSize = 24, got %d", MaxGatherInfoSize)
	}
	if MaxLoginProofSize != 25 {
		t.Errorf("expected MaxLoginProofSize = 25, got %d", MaxLoginProofSize)
	}
	if n := len(EncodeGatherInfo(Version{}, "sixteen_chars_xx")); n != MaxGatherInfoSize {
		t.Errorf("expected a 16 byte username to produce a %d byte frame, got %d", MaxGatherInfoSize, n)
	}
}

func TestDecodeGatherInfo_Malformed(t *testing.T) {
	valid := EncodeGatherInfo(Version{Major: 1}, "bob")

	tests := map[string][]byte{
		"wrong id":            append([]byte{LoginProofType}, valid[1:]...),
		"truncated":           valid[:len(valid)-1],
		"empty username":      {GatherInfoType, 0, 4, 0, 1, 0, 0, 0},
		"username too long":   {GatherInfoType, 0, 5, 0, 1, 0, 0, 17, 'x'},
		"username past frame": {GatherInfoType, 0, 6, 0, 1, 0, 0, 9, 'a', 'b'},
		"trailing bytes":      {GatherInfoType, 0, 7, 0, 1, 0, 0, 1, 'a', 'b', 'c'},
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeGatherInfo(frame); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestLoginProofReply_Encode(t *testing.T) {
	var key [SessionKeySize]byte
	var greetcode [GreetcodeSize]byte
	for i := range key {
		key[i] = byte(i)
		greetcode[i] = byte(0xf0 + i)
	}

	failed := NewLoginProofReply(ProofFailed, key, greetcode).Encode()
	if diff := cmp.Diff([]byte{LoginProofType, uint8(ProofFailed), 0, 0}, failed); diff != "" {
		t.Errorf("failed reply did not match expected; diff:\n%s", diff)
	}

	ok := NewLoginProofReply(ProofSuccess, key, greetcode).Encode()
	if len(ok) != HeaderSize+32 {
		t.Fatalf("expected a %d byte reply, got %d", HeaderSize+32, len(ok))
	}
	h := PeekHeader(ok)
	if h.Size != 32 || h.Error != uint8(ProofSuccess) {
		t.Errorf("unexpected reply header %+v", h)
	}
	if diff := cmp.Diff(key[:], ok[4:20]); diff != "" {
		t.Errorf("session key did not match; diff:\n%s", diff)
	}
	if diff := cmp.Diff(greetcode[:], ok[20:]); diff != "" {
		t.Errorf("greetcode did not match; diff:\n%s", diff)
	}
}

func TestGatherInfoReply_Encode(t *testing.T) {
	got := GatherInfoReply{ID: GatherInfoType, Error: AuthFailedUsernameInUse}.Encode()
	if diff := cmp.Diff([]byte{0x00, 0x05}, got); diff != "" {
		t.Errorf("Encode() did not match expected; diff:\n%s", diff)
	}
}
