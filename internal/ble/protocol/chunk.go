// internal/ble/protocol/chunk.go
package protocol

import "unicode/utf8"

// ATTHeaderBytes is the per-notification ATT overhead; a notification can
// carry at most MTU-3 bytes of value.
const ATTHeaderBytes = 3

// DefaultMTU is the BLE minimum ATT MTU, in effect until a larger one is
// negotiated.
const DefaultMTU = 23

// PayloadSize returns the notification payload capacity for an ATT MTU.
func PayloadSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu - ATTHeaderBytes
}

// Fragment splits data into notification payloads of at most maxBytes.
// It never splits in the middle of a UTF-8 character, except when a single
// character is wider than maxBytes, in which case that character is sent
// whole so the split still makes progress. Returns nil for empty data or a
// non-positive maxBytes.
func Fragment(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	if len(data) <= maxBytes {
		return [][]byte{data}
	}

	var chunks [][]byte
	for len(data) > 0 {
		if len(data) <= maxBytes {
			chunks = append(chunks, data)
			break
		}

		// Walk back from maxBytes to the start of a rune.
		split := maxBytes
		for split > 0 && !utf8.RuneStart(data[split]) {
			split--
		}
		if split == 0 {
			// Rune wider than maxBytes: take the whole rune.
			_, size := utf8.DecodeRune(data)
			split = size
		}

		chunks = append(chunks, data[:split])
		data = data[split:]
	}
	return chunks
}
