package models

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/mailbox/internal/mailerr"
)

// Size invariants (§3).
const (
	MaxMessageSize  = 16 * 1024 * 1024
	MaxPayloadSize  = 15 * 1024 * 1024
	MaxMetadataSize = 1024 * 1024
	MaxTextLength   = 1024 * 1024
	MaxJSONSize     = 10 * 1024 * 1024

	// sizeWarnThreshold is the fraction of MaxMessageSize above which
	// IsLarge reports a message as large.
	sizeWarnThreshold = 0.8

	systemMetadataPrefix = "_system_"

	wireVersion = "1.0"
)

var (
	messageIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	agentIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	targetPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,256}$`)
)

// ValidAgentID reports whether id satisfies the AgentID grammar (§3).
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

// ValidTarget reports whether target satisfies the Target grammar (§3).
func ValidTarget(target string) bool { return targetPattern.MatchString(target) }

// ValidMessageID reports whether id is a well-formed UUID.
func ValidMessageID(id string) bool { return messageIDPattern.MatchString(id) }

// RetryPolicy configures per-message delivery retry behavior. The router's
// own defaults (§4.J) are independently configurable; this is the
// message-level override carried in DeliveryOptions.
type RetryPolicy struct {
	MaxAttempts     int     `json:"max_attempts"`
	BaseDelay       float64 `json:"base_delay"`
	MaxDelay        float64 `json:"max_delay"`
	ExponentialBase float64 `json:"exponential_base"`
	Jitter          bool    `json:"jitter"`
}

// DefaultRetryPolicy matches the router's documented defaults (§4.J).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 1.0, MaxDelay: 60.0, ExponentialBase: 2.0, Jitter: true}
}

// RoutingInfo carries addressing and delivery-priority metadata for a message.
type RoutingInfo struct {
	AddressingMode AddressingMode `json:"addressing_mode"`
	Target         string         `json:"target"`
	Priority       Priority       `json:"priority"`
	TTLSeconds     *int           `json:"ttl_seconds,omitempty"`
}

// DeliveryOptions controls how a message is persisted and confirmed.
type DeliveryOptions struct {
	Persistence          bool        `json:"persistence"`
	ConfirmationRequired bool        `json:"confirmation_required"`
	RetryPolicy          RetryPolicy `json:"retry_policy"`
	Encryption           *string     `json:"encryption,omitempty"`
}

// DefaultDeliveryOptions matches the original defaults: persisted,
// confirmation not required, default retry policy, no encryption.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{Persistence: true, ConfirmationRequired: false, RetryPolicy: DefaultRetryPolicy()}
}

// Message is the unit of exchange between agents (§3).
type Message struct {
	ID              string
	SenderID        string
	Timestamp       time.Time
	ContentType     ContentType
	Payload         any // string (TEXT/CODE/MARKDOWN), json.RawMessage (JSON), []byte (BINARY)
	Metadata        map[string]any
	RoutingInfo     RoutingInfo
	DeliveryOptions DeliveryOptions
	PayloadHash     string
}

// NewMessage constructs a Message with a fresh UUID v4 id and the current
// UTC timestamp, mirroring the source's Message.create classmethod.
func NewMessage(senderID string, contentType ContentType, payload any, routing RoutingInfo, opts DeliveryOptions) *Message {
	return &Message{
		ID:              uuid.NewString(),
		SenderID:        senderID,
		Timestamp:       time.Now().UTC(),
		ContentType:     contentType,
		Payload:         payload,
		Metadata:        map[string]any{},
		RoutingInfo:     routing,
		DeliveryOptions: opts,
	}
}

// AddSystemMetadata sets a reserved _system_-prefixed metadata key. This is
// the only way such keys may be set; user-supplied metadata with this
// prefix is rejected by Validate.
func (m *Message) AddSystemMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[systemMetadataPrefix+key] = value
}

// serializePayload renders the payload to its wire-canonical bytes, per
// content type: TEXT/CODE/MARKDOWN are the UTF-8 string verbatim; JSON is
// canonicalized (keys sorted, compact); BINARY is the raw bytes (base64
// is applied only on the wire, see encodePayloadForWire).
func (m *Message) serializePayload() ([]byte, error) {
	switch m.ContentType {
	case ContentText, ContentCode, ContentMarkdown:
		s, ok := m.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("payload for content type %s must be a string", m.ContentType)
		}
		return []byte(s), nil
	case ContentJSON:
		return canonicalJSON(m.Payload)
	case ContentBinary:
		b, ok := m.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("payload for content type %s must be []byte", m.ContentType)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", m.ContentType)
	}
}

// canonicalJSON accepts a json.RawMessage, a string holding JSON, or any
// JSON-marshalable Go value and returns canonical (sorted-key, compact)
// JSON bytes. encoding/json already emits map keys in sorted order, so
// round-tripping through map[string]any/[]any/scalar achieves canonical form.
func canonicalJSON(payload any) ([]byte, error) {
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling json payload: %w", err)
		}
		return b, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return json.Marshal(decoded)
}

// calculatePayloadHash returns the hex SHA-256 digest of the canonical
// payload bytes.
func (m *Message) calculatePayloadHash() (string, error) {
	b, err := m.serializePayload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// wireMessage is the exact JSON subobject shape named in §6.
type wireMessage struct {
	Version         string          `json:"version"`
	ID              string          `json:"id"`
	SenderID        string          `json:"sender_id"`
	Timestamp       string          `json:"timestamp"`
	ContentType     string          `json:"content_type"`
	Payload         json.RawMessage `json:"payload"`
	Metadata        json.RawMessage `json:"metadata"`
	RoutingInfo     json.RawMessage `json:"routing_info"`
	DeliveryOptions json.RawMessage `json:"delivery_options"`
	PayloadHash     string          `json:"payload_hash"`
}

// ToWireJSON renders the message to the exact wire format of §6: subobjects
// JSON-encoded as strings is the hash-store shape (ToRedisHash); here we
// produce the canonical full-JSON form used on pub/sub channels and as the
// durable message:{id} body.
func (m *Message) ToWireJSON() ([]byte, error) {
	hash, err := m.calculatePayloadHash()
	if err != nil {
		return nil, err
	}
	m.PayloadHash = hash

	payloadBytes, err := m.encodePayloadForWire()
	if err != nil {
		return nil, err
	}
	metaBytes, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	routingBytes, err := json.Marshal(m.RoutingInfo)
	if err != nil {
		return nil, fmt.Errorf("marshaling routing_info: %w", err)
	}
	optsBytes, err := json.Marshal(m.DeliveryOptions)
	if err != nil {
		return nil, fmt.Errorf("marshaling delivery_options: %w", err)
	}

	w := wireMessage{
		Version:         wireVersion,
		ID:              m.ID,
		SenderID:        m.SenderID,
		Timestamp:       m.Timestamp.UTC().Format(time.RFC3339Nano),
		ContentType:     string(m.ContentType),
		Payload:         payloadBytes,
		Metadata:        metaBytes,
		RoutingInfo:     routingBytes,
		DeliveryOptions: optsBytes,
		PayloadHash:     hash,
	}
	return json.Marshal(w)
}

// encodePayloadForWire JSON-encodes the payload per content type: TEXT/CODE/
// MARKDOWN as a JSON string, JSON as canonical JSON, BINARY as a base64
// JSON string (§6).
func (m *Message) encodePayloadForWire() (json.RawMessage, error) {
	switch m.ContentType {
	case ContentText, ContentCode, ContentMarkdown:
		s, _ := m.Payload.(string)
		return json.Marshal(s)
	case ContentJSON:
		return canonicalJSON(m.Payload)
	case ContentBinary:
		b, _ := m.Payload.([]byte)
		return json.Marshal(base64.StdEncoding.EncodeToString(b))
	default:
		return nil, fmt.Errorf("unknown content type %q", m.ContentType)
	}
}

// FromWireJSON parses the wire form produced by ToWireJSON and verifies the
// payload hash, returning an IntegrityError on mismatch (§7, invariant 1).
func FromWireJSON(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshaling wire message: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
	}

	ct := ContentType(w.ContentType)
	payload, err := decodeWirePayload(ct, w.Payload)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if len(w.Metadata) > 0 {
		if err := json.Unmarshal(w.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	var routing RoutingInfo
	if len(w.RoutingInfo) > 0 {
		if err := json.Unmarshal(w.RoutingInfo, &routing); err != nil {
			return nil, fmt.Errorf("unmarshaling routing_info: %w", err)
		}
	}
	var opts DeliveryOptions
	if len(w.DeliveryOptions) > 0 {
		if err := json.Unmarshal(w.DeliveryOptions, &opts); err != nil {
			return nil, fmt.Errorf("unmarshaling delivery_options: %w", err)
		}
	}

	m := &Message{
		ID:              w.ID,
		SenderID:        w.SenderID,
		Timestamp:       ts,
		ContentType:     ct,
		Payload:         payload,
		Metadata:        meta,
		RoutingInfo:     routing,
		DeliveryOptions: opts,
		PayloadHash:     w.PayloadHash,
	}

	recomputed, err := m.calculatePayloadHash()
	if err != nil {
		return nil, err
	}
	if recomputed != w.PayloadHash {
		return nil, mailerr.New(mailerr.KindIntegrity, fmt.Sprintf("payload_hash mismatch for message %s", w.ID))
	}
	return m, nil
}

func decodeWirePayload(ct ContentType, raw json.RawMessage) (any, error) {
	switch ct {
	case ContentText, ContentCode, ContentMarkdown:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshaling text payload: %w", err)
		}
		return s, nil
	case ContentJSON:
		return json.RawMessage(raw), nil
	case ContentBinary:
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return nil, fmt.Errorf("unmarshaling binary payload: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", ct)
	}
}

// ToRedisHash renders the message as the field->string mapping stored by
// HSET at message:{id} (§6): subobjects are JSON-encoded strings, payload is
// encoded per content type, and every value is a string.
func (m *Message) ToRedisHash() (map[string]string, error) {
	wire, err := m.ToWireJSON()
	if err != nil {
		return nil, err
	}
	var w wireMessage
	if err := json.Unmarshal(wire, &w); err != nil {
		return nil, err
	}
	var payloadStr string
	if err := json.Unmarshal(w.Payload, &payloadStr); err != nil {
		// JSON content type: payload is itself an object/array, not a string.
		payloadStr = string(w.Payload)
	}
	return map[string]string{
		"version":          w.Version,
		"id":               w.ID,
		"sender_id":        w.SenderID,
		"timestamp":        w.Timestamp,
		"content_type":     w.ContentType,
		"payload":          payloadStr,
		"metadata":         string(w.Metadata),
		"routing_info":     string(w.RoutingInfo),
		"delivery_options": string(w.DeliveryOptions),
		"payload_hash":     w.PayloadHash,
	}, nil
}

// FromRedisHash reconstructs a Message from the field->string mapping
// produced by ToRedisHash, verifying the payload hash.
func FromRedisHash(h map[string]string) (*Message, error) {
	ct := ContentType(h["content_type"])
	var payloadRaw json.RawMessage
	switch ct {
	case ContentText, ContentCode, ContentMarkdown, ContentBinary:
		b, err := json.Marshal(h["payload"])
		if err != nil {
			return nil, err
		}
		payloadRaw = b
	case ContentJSON:
		payloadRaw = json.RawMessage(h["payload"])
	default:
		return nil, fmt.Errorf("unknown content type %q", h["content_type"])
	}

	w := wireMessage{
		Version:         h["version"],
		ID:              h["id"],
		SenderID:        h["sender_id"],
		Timestamp:       h["timestamp"],
		ContentType:     h["content_type"],
		Payload:         payloadRaw,
		Metadata:        jsonOrEmptyObject(h["metadata"]),
		RoutingInfo:     jsonOrEmptyObject(h["routing_info"]),
		DeliveryOptions: jsonOrEmptyObject(h["delivery_options"]),
		PayloadHash:     h["payload_hash"],
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return FromWireJSON(b)
}

func jsonOrEmptyObject(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

// ContentPreview returns a truncated, human-readable preview of the
// payload suitable for structured log fields without dumping the full
// body (supplemented from the original source's content-preview helper).
func (m *Message) ContentPreview(maxLen int) string {
	var s string
	switch m.ContentType {
	case ContentText, ContentCode, ContentMarkdown:
		s, _ = m.Payload.(string)
	case ContentJSON:
		b, err := canonicalJSON(m.Payload)
		if err == nil {
			s = string(b)
		}
	case ContentBinary:
		b, _ := m.Payload.([]byte)
		s = fmt.Sprintf("<%d bytes binary>", len(b))
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// IsLarge reports whether the message's estimated wire size exceeds
// sizeWarnThreshold of MaxMessageSize.
func (m *Message) IsLarge() bool {
	b, err := m.ToWireJSON()
	if err != nil {
		return false
	}
	return float64(len(b)) > sizeWarnThreshold*float64(MaxMessageSize)
}

// Clone returns a deep-enough copy of the message. If newID is true a fresh
// UUID is generated; otherwise the ID is preserved (used by the router's
// enrichment step, which must not change message identity).
func (m *Message) Clone(newID bool) *Message {
	clone := *m
	if newID {
		clone.ID = uuid.NewString()
	}
	clone.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	if m.RoutingInfo.TTLSeconds != nil {
		ttl := *m.RoutingInfo.TTLSeconds
		clone.RoutingInfo.TTLSeconds = &ttl
	}
	return &clone
}

// Validate checks every structural invariant in §3. When strict is false,
// only size/format checks are enforced (used by the router, which applies
// its own additional checks afterward); when strict is true, metadata key
// rules are enforced as well.
func (m *Message) Validate(strict bool) error {
	if !ValidMessageID(m.ID) {
		return mailerr.New(mailerr.KindValidation, fmt.Sprintf("invalid message id %q", m.ID))
	}
	if !ValidAgentID(m.SenderID) {
		return mailerr.New(mailerr.KindValidation, fmt.Sprintf("invalid sender_id %q", m.SenderID))
	}
	if m.Timestamp.IsZero() {
		return mailerr.New(mailerr.KindValidation, "timestamp is required")
	}
	if !ValidTarget(m.RoutingInfo.Target) {
		return mailerr.New(mailerr.KindValidation, fmt.Sprintf("invalid routing target %q", m.RoutingInfo.Target))
	}
	if m.RoutingInfo.TTLSeconds != nil && *m.RoutingInfo.TTLSeconds <= 0 {
		return mailerr.New(mailerr.KindValidation, "ttl_seconds must be positive")
	}

	payloadBytes, err := m.serializePayload()
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "invalid payload", err)
	}
	if len(payloadBytes) > MaxPayloadSize {
		return mailerr.New(mailerr.KindValidation, "payload exceeds maximum size")
	}
	switch m.ContentType {
	case ContentText, ContentCode, ContentMarkdown:
		if len(payloadBytes) > MaxTextLength {
			return mailerr.New(mailerr.KindValidation, "text payload exceeds maximum length")
		}
	case ContentJSON:
		if len(payloadBytes) > MaxJSONSize {
			return mailerr.New(mailerr.KindValidation, "json payload exceeds maximum size")
		}
	}

	if strict {
		metaBytes, err := json.Marshal(m.Metadata)
		if err != nil {
			return mailerr.Wrap(mailerr.KindValidation, "invalid metadata", err)
		}
		if len(metaBytes) > MaxMetadataSize {
			return mailerr.New(mailerr.KindValidation, "metadata exceeds maximum size")
		}
		for k := range m.Metadata {
			if len(k) > 256 {
				return mailerr.New(mailerr.KindValidation, fmt.Sprintf("metadata key %q exceeds 256 characters", k))
			}
			if len(k) >= len(systemMetadataPrefix) && k[:len(systemMetadataPrefix)] == systemMetadataPrefix {
				return mailerr.New(mailerr.KindValidation, fmt.Sprintf("metadata key %q uses the reserved %q prefix", k, systemMetadataPrefix))
			}
		}
	}

	wire, err := m.ToWireJSON()
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "failed to serialize message", err)
	}
	if len(wire) > MaxMessageSize {
		return mailerr.New(mailerr.KindValidation, "message exceeds maximum total size")
	}
	return nil
}
