package chunkbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestReadWithinSingleChunk(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello world"))

	got, err := b.Read(5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if b.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", b.Len())
	}

	rest, err := b.Read(6)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rest) != " world" {
		t.Fatalf("got %q", rest)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

func TestReadAcrossChunks(t *testing.T) {
	var b Buffer
	b.Append([]byte("ab"))
	b.Append([]byte("cde"))
	b.Append([]byte("f"))

	got, err := b.Read(4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("got %q", got)
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	got, err = b.Read(2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "ef" {
		t.Fatalf("got %q", got)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	var b Buffer
	b.Append([]byte("abc"))
	b.Append([]byte("def"))

	got, err := b.Peek(4)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("got %q", got)
	}
	if b.Len() != 6 {
		t.Fatalf("Peek must not consume, Len() = %d", b.Len())
	}

	got2, err := b.Peek(4)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !bytes.Equal(got, got2) {
		t.Fatalf("repeated Peek mismatch: %q vs %q", got, got2)
	}
}

func TestUnderflow(t *testing.T) {
	var b Buffer
	b.Append([]byte("ab"))

	if _, err := b.Read(3); err != ErrUnderflow {
		t.Fatalf("Read(3) err = %v, want ErrUnderflow", err)
	}
	if _, err := b.Peek(3); err != ErrUnderflow {
		t.Fatalf("Peek(3) err = %v, want ErrUnderflow", err)
	}
	// A failed read must not consume anything.
	got, err := b.Read(2)
	if err != nil || string(got) != "ab" {
		t.Fatalf("Read(2) = %q, %v", got, err)
	}
}

// TestRoundTripUnderRandomSplits is the framing round-trip property
// from the spec: for any byte string and any chunking of it, reading
// it back through the buffer in arbitrary-sized reads must reproduce
// the original bytes exactly.
func TestRoundTripUnderRandomSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		total := rng.Intn(500)
		want := make([]byte, total)
		rng.Read(want)

		var b Buffer
		pos := 0
		for pos < total {
			n := rng.Intn(total-pos) + 1
			b.Append(want[pos : pos+n])
			pos += n
		}

		var got []byte
		for b.Len() > 0 {
			n := rng.Intn(b.Len()) + 1
			chunk, err := b.Read(n)
			if err != nil {
				t.Fatalf("trial %d: Read(%d): %v", trial, n, err)
			}
			got = append(got, chunk...)
		}

		if !bytes.Equal(got, want) {
			t.Fatalf("trial %d: round-trip mismatch", trial)
		}
	}
}
