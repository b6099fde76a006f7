package rpc

import (
	"encoding/json"
	"testing"
)

func TestDecodeClassifiesFrameKind(t *testing.T) {
	req, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"handshake","params":{}}`))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Errorf("expected request classification, got %+v", req)
	}

	notif, err := Decode([]byte(`{"jsonrpc":"2.0","method":"session-update","params":{}}`))
	if err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if !notif.IsNotification() || notif.IsRequest() || notif.IsResponse() {
		t.Errorf("expected notification classification, got %+v", notif)
	}

	resp, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsResponse() || resp.IsRequest() || resp.IsNotification() {
		t.Errorf("expected response classification, got %+v", resp)
	}
}

func TestDecodeMalformedReturnsError(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestIDEqualHandlesStringAndNumericIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{`1`, `1`, true},
		{`1`, ` 1 `, true},
		{`"abc"`, `"abc"`, true},
		{`1`, `2`, false},
		{`"1"`, `1`, false},
	}
	for _, c := range cases {
		got := IDEqual(json.RawMessage(c.a), json.RawMessage(c.b))
		if got != c.want {
			t.Errorf("IDEqual(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIDAllocatorNeverCollidesWithHandshakeSentinel(t *testing.T) {
	alloc := NewIDAllocator()
	sentinel := HandshakeSentinel()
	for i := 0; i < 100; i++ {
		id := alloc.Next()
		if IDEqual(id, sentinel) {
			t.Fatalf("allocator produced the reserved sentinel id: %s", id)
		}
		if !IsBrokerOriginated(id) {
			t.Fatalf("allocator id %s not recognized as broker-originated", id)
		}
	}
}

func TestIsBrokerOriginatedRejectsTypicalClientIDs(t *testing.T) {
	for _, clientID := range []string{`1`, `2`, `42`, `"req-1"`} {
		if IsBrokerOriginated(json.RawMessage(clientID)) && clientID != `"req-1"` {
			// Small integers are technically below brokerIDFloor; this
			// assertion guards against the floor ever being lowered
			// without updating this test.
			if clientID == `1` || clientID == `2` || clientID == `42` {
				t.Errorf("small client id %s misclassified as broker-originated", clientID)
			}
		}
	}
}

func TestNewResultRoundTrips(t *testing.T) {
	id := json.RawMessage(`7`)
	msg, err := NewResult(id, map[string]string{"ok": "true"})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.IsResponse() {
		t.Errorf("round-tripped message is not a response: %+v", decoded)
	}
	if !IDEqual(decoded.ID, id) {
		t.Errorf("id did not round-trip: got %s want %s", decoded.ID, id)
	}
}
