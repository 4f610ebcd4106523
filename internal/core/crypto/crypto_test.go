package crypto

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sequenceProvider struct {
	prefixes []uint32
	calls    int
}

func (p *sequenceProvider) GenerateSessionKey() (Key, error) { return Key{}, nil }

func (p *sequenceProvider) RandomPrefix() (uint32, error) {
	v := p.prefixes[p.calls%len(p.prefixes)]
	p.calls++
	return v, nil
}

func TestDistinctPrefix(t *testing.T) {
	p := &sequenceProvider{prefixes: []uint32{7, 7, 7, 9}}

	prefix, err := DistinctPrefix(p, 7)
	if err != nil {
		t.Fatalf("DistinctPrefix() returned an unexpected error: %v", err)
	}
	if prefix != 9 {
		t.Errorf("expected prefix 9, got %d", prefix)
	}
	if p.calls != 4 {
		t.Errorf("expected 4 draws, got %d", p.calls)
	}
}

func TestIV_Bytes(t *testing.T) {
	iv := IV{Prefix: 0x01020304, Counter: 0x0a0b0c0d}
	want := [IVSize]byte{1, 2, 3, 4, 0, 0, 0, 0, 0x0a, 0x0b, 0x0c, 0x0d}
	if diff := cmp.Diff(want, iv.Bytes()); diff != "" {
		t.Errorf("Bytes() did not match expected; diff:\n%s", diff)
	}

	iv.Increment()
	if iv.Counter != 0x0a0b0c0e {
		t.Errorf("Increment() left counter at %#x", iv.Counter)
	}
	iv.ResetCounter()
	if iv.Counter != 0 {
		t.Errorf("ResetCounter() left counter at %d", iv.Counter)
	}
}

func TestRandom_GenerateSessionKey(t *testing.T) {
	var r Random
	a, err := r.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated session keys were identical")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := IV{Prefix: 42}.Bytes()
	aad := []byte("header")
	plaintext := []byte("attack at dawn")

	ciphertext, tag, err := Encrypt(key, iv, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt() returned an unexpected error: %v", err)
	}
	if len(ciphertext) != len(plaintext) {
		t.Errorf("expected ciphertext length %d, got %d", len(plaintext), len(ciphertext))
	}

	got, err := Decrypt(key, iv[:], ciphertext, tag, aad)
	if err != nil {
		t.Fatalf("Decrypt() returned an unexpected error: %v", err)
	}
	if diff := cmp.Diff(plaintext, got); diff != "" {
		t.Errorf("round trip did not reproduce plaintext; diff:\n%s", diff)
	}

	if _, err := Decrypt(key, iv[:], ciphertext, tag, []byte("other")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed with mismatched aad, got %v", err)
	}
}
