package hashing

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestSumKnownVectors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"digits", "0123456789", "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sum([]byte(tt.in)); got != tt.want {
				t.Errorf("Sum(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSumDeterministicAndSensitive(t *testing.T) {
	a := []byte("evidence payload")
	b := bytes.Clone(a)
	if Sum(a) != Sum(b) {
		t.Fatal("identical bytes produced different digests")
	}
	b[0] ^= 0x01
	if Sum(a) == Sum(b) {
		t.Fatal("single-byte change produced identical digest")
	}
	if len(Sum(a)) != 64 {
		t.Fatalf("digest length = %d, want 64", len(Sum(a)))
	}
}

func TestSumReaderMatchesSum(t *testing.T) {
	data := strings.Repeat("x", 100000)
	got, err := SumReader(strings.NewReader(data))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if got != Sum([]byte(data)) {
		t.Fatalf("SumReader = %s, want %s", got, Sum([]byte(data)))
	}
}

func TestSumReaderSurfacesReadError(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := SumReader(iotest.ErrReader(boom))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestKeccak256(t *testing.T) {
	h, err := New(Keccak256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const want = "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got := h.Sum(nil); got != want {
		t.Fatalf("keccak256(\"\") = %s, want %s", got, want)
	}
	if h.Algorithm() != Keccak256 {
		t.Fatalf("Algorithm = %s", h.Algorithm())
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New("md5"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("err = %v, want ErrUnknownAlgorithm", err)
	}
	h, err := New("")
	if err != nil || h.Algorithm() != SHA256 {
		t.Fatalf("empty algorithm should default to sha256, got %v %v", h, err)
	}
}
