package senka

import "testing"

func TestWireCodecVersionGate(t *testing.T) {
	if _, err := newWireCodec(WireVersion1); err != nil {
		t.Fatalf("version 1 rejected: %v", err)
	}
	if _, err := newWireCodec(2); err == nil {
		t.Fatalf("expected unknown version to be rejected")
	}
}

func TestWireCodecFrameLayout(t *testing.T) {
	w, _ := newWireCodec(WireVersion1)
	frame, err := w.encode(mcSyncFromReq, syncFromReq{ID: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) < 2 {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != 'F' {
		t.Fatalf("leading byte = %q, want 'F'", frame[0])
	}
	var req syncFromReq
	if err := w.decode(frame[1:], &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.ID != 7 {
		t.Fatalf("round-trip id = %d", req.ID)
	}
}

func TestWireCodecPayloadRoundTrips(t *testing.T) {
	w, _ := newWireCodec(WireVersion1)

	frame, err := w.encode(mcMetadata, metadataMsg{Delta: []byte{1, 2, 3}, Ver: 42})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	var md metadataMsg
	if err := w.decode(frame[1:], &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.Ver != 42 || len(md.Delta) != 3 || md.Delta[2] != 3 {
		t.Fatalf("metadata round-trip: %+v", md)
	}

	frame, err = w.encode(mcSyncToReq, syncToReq{ID: 9, Ver: 5})
	if err != nil {
		t.Fatalf("encode sync-to req: %v", err)
	}
	if frame[0] != 'T' {
		t.Fatalf("sync-to req code = %q", frame[0])
	}
	var tr syncToReq
	if err := w.decode(frame[1:], &tr); err != nil {
		t.Fatalf("decode sync-to req: %v", err)
	}
	if tr.ID != 9 || tr.Ver != 5 {
		t.Fatalf("sync-to req round-trip: %+v", tr)
	}

	frame, _ = w.encode(mcSyncFromResp, syncFromResp{ID: 3, Ver: 8})
	if frame[0] != 'f' {
		t.Fatalf("sync-from resp code = %q", frame[0])
	}
	frame, _ = w.encode(mcSyncToResp, syncToResp{ID: 4})
	if frame[0] != 't' {
		t.Fatalf("sync-to resp code = %q", frame[0])
	}
}
