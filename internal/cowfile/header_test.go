package cowfile

import "testing"

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := &Header{
		Magic:           Magic,
		Flags:           FlagClean,
		FilePos:         42,
		FileMax:         1 << 30,
		Seqid:           7,
		UUID:            NewUUID(),
		Version:         1,
		NrChangedBlocks: 99,
	}
	buf := h.Marshal()
	if len(buf) != HeaderSize {
		t.Fatalf("marshal length = %d, want %d", len(buf), HeaderSize)
	}
	got, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderFlags(t *testing.T) {
	h := &Header{Flags: FlagClean | FlagIndexOnly}
	if !h.clean() {
		t.Fatal("expected clean() true")
	}
	if !h.indexOnly() {
		t.Fatal("expected indexOnly() true")
	}
	h.Flags = 0
	if h.clean() || h.indexOnly() {
		t.Fatal("expected both false with no flags set")
	}
}

func TestUnmarshalHeaderShort(t *testing.T) {
	if _, err := UnmarshalHeader(make([]byte, 10)); err == nil {
		t.Fatal("expected error on short buffer")
	}
}
