package models

import (
	"strings"
	"testing"
)

func validRouting(target string) RoutingInfo {
	return RoutingInfo{AddressingMode: AddressingDirect, Target: target, Priority: PriorityNormal}
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		ct      ContentType
		payload any
	}{
		{"text", ContentText, "hello there"},
		{"json", ContentJSON, map[string]any{"b": 1, "a": "two"}},
		{"binary", ContentBinary, []byte{0x01, 0x02, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage("agent-alpha", tt.ct, tt.payload, validRouting("inbox-bravo"), DefaultDeliveryOptions())
			wire, err := msg.ToWireJSON()
			if err != nil {
				t.Fatalf("ToWireJSON: %v", err)
			}
			got, err := FromWireJSON(wire)
			if err != nil {
				t.Fatalf("FromWireJSON: %v", err)
			}
			if got.ID != msg.ID || got.SenderID != msg.SenderID || got.ContentType != msg.ContentType {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
			}
			if got.PayloadHash != msg.PayloadHash {
				t.Fatalf("payload hash mismatch: got %s want %s", got.PayloadHash, msg.PayloadHash)
			}
		})
	}
}

func TestFromWireJSONRejectsHashMismatch(t *testing.T) {
	msg := NewMessage("agent-alpha", ContentText, "hello", validRouting("inbox-bravo"), DefaultDeliveryOptions())
	wire, err := msg.ToWireJSON()
	if err != nil {
		t.Fatalf("ToWireJSON: %v", err)
	}
	tampered := strings.Replace(string(wire), "hello", "hellx", 1)
	_, err = FromWireJSON([]byte(tampered))
	if err == nil {
		t.Fatal("expected integrity error, got nil")
	}
	if !strings.Contains(err.Error(), "IntegrityError") {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
}

func TestValidateRejectsOversizedMessage(t *testing.T) {
	big := strings.Repeat("x", MaxTextLength+1)
	msg := NewMessage("agent-alpha", ContentText, big, validRouting("inbox-bravo"), DefaultDeliveryOptions())
	if err := msg.Validate(true); err == nil {
		t.Fatal("expected validation error for oversized text payload")
	}
}

func TestValidateAtExactBoundaryPasses(t *testing.T) {
	ok := strings.Repeat("x", MaxTextLength)
	msg := NewMessage("agent-alpha", ContentText, ok, validRouting("inbox-bravo"), DefaultDeliveryOptions())
	if err := msg.Validate(true); err != nil {
		t.Fatalf("expected boundary message to pass, got %v", err)
	}
}

func TestValidateRejectsReservedMetadataPrefix(t *testing.T) {
	msg := NewMessage("agent-alpha", ContentText, "hi", validRouting("inbox-bravo"), DefaultDeliveryOptions())
	msg.Metadata["_system_hacked"] = true
	if err := msg.Validate(true); err == nil {
		t.Fatal("expected validation error for user-supplied _system_ metadata key")
	}
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	routing := validRouting("inbox-bravo")
	zero := 0
	routing.TTLSeconds = &zero
	msg := NewMessage("agent-alpha", ContentText, "hi", routing, DefaultDeliveryOptions())
	if err := msg.Validate(false); err == nil {
		t.Fatal("expected validation error for ttl_seconds=0")
	}
}

func TestRedisHashRoundTrip(t *testing.T) {
	msg := NewMessage("agent-alpha", ContentJSON, map[string]any{"k": "v"}, validRouting("inbox-bravo"), DefaultDeliveryOptions())
	hash, err := msg.ToRedisHash()
	if err != nil {
		t.Fatalf("ToRedisHash: %v", err)
	}
	got, err := FromRedisHash(hash)
	if err != nil {
		t.Fatalf("FromRedisHash: %v", err)
	}
	if got.ID != msg.ID {
		t.Fatalf("id mismatch: got %s want %s", got.ID, msg.ID)
	}
}

func TestCloneNewIDChangesIdentity(t *testing.T) {
	msg := NewMessage("agent-alpha", ContentText, "hi", validRouting("inbox-bravo"), DefaultDeliveryOptions())
	clone := msg.Clone(false)
	if clone.ID != msg.ID {
		t.Fatalf("expected preserved id, got %s vs %s", clone.ID, msg.ID)
	}
	clone2 := msg.Clone(true)
	if clone2.ID == msg.ID {
		t.Fatal("expected new id on Clone(true)")
	}
}
