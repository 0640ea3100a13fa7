package envelope

import (
	"encoding/json"
	"testing"
)

func TestPayloadRoundTripsBinary(t *testing.T) {
	e := Envelope{
		MsgID:     "m1",
		From:      "u1",
		To:        "u2",
		Payload:   Payload{0x00, 0xff, 0x10, 0x02},
		Timestamp: 1700000000,
		Kind:      KindDirect,
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if string(got.Payload) != string(e.Payload) {
		t.Fatalf("expected payload %v, got %v", e.Payload, got.Payload)
	}
	if got.Kind != KindDirect {
		t.Fatalf("expected kind direct, got %s", got.Kind)
	}
}

func TestAsEchoDoesNotMutateOriginal(t *testing.T) {
	original := Envelope{MsgID: "m1", Kind: KindDirect, Payload: Payload{1, 2, 3}}
	echo := original.AsEcho()

	if echo.Kind != KindEcho {
		t.Fatalf("expected echo kind, got %s", echo.Kind)
	}
	if original.Kind != KindDirect {
		t.Fatalf("expected original kind unchanged, got %s", original.Kind)
	}

	echo.Payload[0] = 99
	if original.Payload[0] != 1 {
		t.Fatalf("expected clone to not share backing array")
	}
}

func TestUnmarshalRejectsInvalidBase64(t *testing.T) {
	var p Payload
	if err := json.Unmarshal([]byte(`"not-valid-base64!!"`), &p); err == nil {
		t.Fatal("expected error for invalid base64 payload")
	}
}
