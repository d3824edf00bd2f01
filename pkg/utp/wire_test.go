package utp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	seg := &Segment{
		Header: Header{
			Type:          TypeData,
			ConnID:        42,
			TimestampUs:   1000,
			TimestampDiff: 250,
			WindowSize:    65536,
			SeqNr:         7,
			AckNr:         6,
		},
		SACK:    &SACKExtension{Bitmask: []byte{0b00000111}},
		Payload: []byte("hello world"),
	}

	raw := seg.Encode()
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Decode doesn't round-trip the retransmit bookkeeping fields (they
	// never travel on the wire), so compare only what Encode emits.
	want := &Segment{Header: seg.Header, SACK: seg.SACK, Payload: seg.Payload}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSegmentEncodeDecodeNoExtensions(t *testing.T) {
	seg := &Segment{Header: Header{Type: TypeSyn, ConnID: 1, SeqNr: 100}}
	raw := seg.Encode()
	if len(raw) != headerLen {
		t.Fatalf("expected bare header length %d, got %d", headerLen, len(raw))
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.Type != TypeSyn || got.Header.ConnID != 1 || got.Header.SeqNr != 100 {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode(make([]byte, headerLen-1))
	if err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	raw := (&Segment{Header: Header{Type: TypeData}}).Encode()
	raw[0] = (raw[0] &^ 0x0f) | 0x0f // corrupt version nibble
	_, err := Decode(raw)
	if err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}
