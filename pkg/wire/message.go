package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tag names a message kind.
type Tag string

// String returns the tag as a plain string.
func (t Tag) String() string { return string(t) }

// WithPrefix namespaces the tag as "prefix.tag". An empty prefix returns t.
func (t Tag) WithPrefix(prefix string) Tag {
	if prefix == "" {
		return t
	}

	return Tag(prefix + "." + string(t))
}

// TrimPrefix removes a "prefix." namespace from t. Tags without the
// namespace are returned unchanged.
func (t Tag) TrimPrefix(prefix string) Tag {
	if prefix == "" {
		return t
	}

	return Tag(strings.TrimPrefix(string(t), prefix+"."))
}

// Message is a tagged payload exchanged with the application runtime.
type Message struct {
	Tag     Tag
	Payload json.RawMessage
}

// MarshalJSON encodes the message as [tag, payload]. An empty payload is
// encoded as null.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return json.Marshal([]any{m.Tag, payload})
}

// UnmarshalJSON decodes a [tag, payload] array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: decode message: %w: %w", ErrMalformedPayload, err)
	}

	if len(parts) != 2 {
		return fmt.Errorf("wire: decode message: %w: want 2 elements, got %d", ErrMalformedPayload, len(parts))
	}

	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("wire: decode message tag: %w: %w", ErrMalformedPayload, err)
	}

	m.Tag = Tag(tag)
	m.Payload = parts[1]

	return nil
}

// NewMessage marshals payload and pairs it with tag.
func NewMessage(tag Tag, payload any) (Message, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}

		return Message{Tag: tag, Payload: raw}, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encode %s payload: %w", tag, err)
	}

	return Message{Tag: tag, Payload: b}, nil
}
