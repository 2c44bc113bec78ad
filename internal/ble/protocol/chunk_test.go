// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"strings"
	"testing"
)

const testMaxBytes = 20 // default MTU payload

func TestFragmentFitsInOne(t *testing.T) {
	chunks := Fragment([]byte(`{"ADC":1}`), testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0]) != `{"ADC":1}` {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], `{"ADC":1}`)
	}
}

func TestFragmentEmpty(t *testing.T) {
	if chunks := Fragment(nil, testMaxBytes); len(chunks) != 0 {
		t.Errorf("got %d chunks for empty data, want 0", len(chunks))
	}
}

func TestFragmentSplitsReading(t *testing.T) {
	msg := []byte(`{"ADC":120,"V":1.05,"ppm":12.3,"gas":"CO"}`)
	chunks := Fragment(msg, testMaxBytes)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, msg) {
		t.Errorf("reassembled = %q, want %q", got, msg)
	}
}

func TestFragmentUTF8NeverSplitsMidChar(t *testing.T) {
	// Each emoji is 4 bytes. With max=10, can fit 2 emojis per chunk.
	text := "\U0001F600\U0001F601\U0001F602\U0001F603\U0001F604"
	chunks := Fragment([]byte(text), 10)
	for i, c := range chunks {
		if len(c) > 10 {
			t.Errorf("chunk[%d] len=%d exceeds max=10", i, len(c))
		}
		for _, r := range string(c) {
			if r == '\uFFFD' {
				t.Errorf("chunk[%d] contains replacement character (split mid-rune)", i)
			}
		}
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.Write(c)
	}
	if sb.String() != text {
		t.Errorf("reassembled = %q, want %q", sb.String(), text)
	}
}

func TestFragmentExactFit(t *testing.T) {
	data := bytes.Repeat([]byte("a"), testMaxBytes)
	chunks := Fragment(data, testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestFragmentOneByteOver(t *testing.T) {
	data := bytes.Repeat([]byte("a"), testMaxBytes+1)
	chunks := Fragment(data, testMaxBytes)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[1]) != 1 {
		t.Errorf("chunk[1] len = %d, want 1", len(chunks[1]))
	}
}

func TestFragmentZeroMax(t *testing.T) {
	if chunks := Fragment([]byte("hello"), 0); chunks != nil {
		t.Errorf("Fragment with maxBytes=0 should return nil, got %v", chunks)
	}
}

func TestFragmentMaxSmallerThanRune(t *testing.T) {
	// 4-byte emoji with maxBytes=1 should still make forward progress
	text := "\U0001F600"
	chunks := Fragment([]byte(text), 1)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (single rune forced)", len(chunks))
	}
	if string(chunks[0]) != text {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], text)
	}
}

func TestPayloadSize(t *testing.T) {
	tests := []struct {
		mtu  int
		want int
	}{
		{0, 20},
		{23, 20},
		{185, 182},
		{517, 514},
	}
	for _, tt := range tests {
		if got := PayloadSize(tt.mtu); got != tt.want {
			t.Errorf("PayloadSize(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}
