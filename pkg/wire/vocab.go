package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Inbound tags, sent by the application runtime.
const (
	TagLog            Tag = "Log.string"
	TagStorageRequest Tag = "LocalStorage.request"
	TagStorageSave    Tag = "LocalStorage.save"
	TagStorageWatch   Tag = "LocalStorage.watch"
	TagStorageUnwatch Tag = "LocalStorage.unwatch"
)

// Outbound tags, sent by the host.
const (
	TagStorageChange Tag = "LocalStorage.onChange"

	storageListenPrefix = "LocalStorage.listen."
)

// ListenTag returns the per-key response tag for key.
func ListenTag(key string) Tag {
	return Tag(storageListenPrefix + key)
}

var inboundTags = map[Tag]struct{}{
	TagLog:            {},
	TagStorageRequest: {},
	TagStorageSave:    {},
	TagStorageWatch:   {},
	TagStorageUnwatch: {},
}

// InboundTags returns the inbound vocabulary in ascending order.
func InboundTags() []Tag {
	tags := make([]Tag, 0, len(inboundTags))
	for t := range inboundTags {
		tags = append(tags, t)
	}
	slices.Sort(tags)

	return tags
}

// IsInbound reports whether t belongs to the inbound vocabulary.
func IsInbound(t Tag) bool {
	_, ok := inboundTags[t]
	return ok
}

// Inbound is a decoded message from the application runtime. The set of
// implementations is closed: LogLine, StorageRequest, StorageSave,
// StorageWatch and StorageUnwatch.
type Inbound interface {
	Tag() Tag
	inbound()
}

// LogLine is a text line the runtime wants printed on the host.
type LogLine struct {
	Text string
}

// StorageRequest asks for the canonical value of Key.
type StorageRequest struct {
	Key string
}

// StorageSave writes Value under Key. A missing value is stored as null.
type StorageSave struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StorageWatch asks to be told about external changes to Key.
type StorageWatch struct {
	Key string
}

// StorageUnwatch stops change forwarding for Key.
type StorageUnwatch struct {
	Key string
}

func (LogLine) Tag() Tag        { return TagLog }
func (StorageRequest) Tag() Tag { return TagStorageRequest }
func (StorageSave) Tag() Tag    { return TagStorageSave }
func (StorageWatch) Tag() Tag   { return TagStorageWatch }
func (StorageUnwatch) Tag() Tag { return TagStorageUnwatch }

func (LogLine) inbound()        {}
func (StorageRequest) inbound() {}
func (StorageSave) inbound()    {}
func (StorageWatch) inbound()   {}
func (StorageUnwatch) inbound() {}

// DecodeInbound converts an untyped message into its typed record. It fails
// with ErrUnknownTag for tags outside the inbound vocabulary and with
// ErrMalformedPayload when the payload does not fit the tag's shape.
func DecodeInbound(m Message) (Inbound, error) {
	switch m.Tag {
	case TagLog:
		text, err := decodeString(m)
		if err != nil {
			return nil, err
		}
		return LogLine{Text: text}, nil

	case TagStorageRequest:
		key, err := decodeKey(m)
		if err != nil {
			return nil, err
		}
		return StorageRequest{Key: key}, nil

	case TagStorageWatch:
		key, err := decodeKey(m)
		if err != nil {
			return nil, err
		}
		return StorageWatch{Key: key}, nil

	case TagStorageUnwatch:
		key, err := decodeKey(m)
		if err != nil {
			return nil, err
		}
		return StorageUnwatch{Key: key}, nil

	case TagStorageSave:
		var in StorageSave
		if err := json.Unmarshal(m.Payload, &in); err != nil {
			return nil, fmt.Errorf("wire: %s: %w: %w", m.Tag, ErrMalformedPayload, err)
		}
		if in.Key == "" {
			return nil, fmt.Errorf("wire: %s: %w: key is required", m.Tag, ErrMalformedPayload)
		}
		if len(in.Value) == 0 {
			in.Value = json.RawMessage("null")
		}
		return in, nil

	default:
		return nil, fmt.Errorf("wire: %w: %q", ErrUnknownTag, m.Tag)
	}
}

func decodeString(m Message) (string, error) {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return "", fmt.Errorf("wire: %s: %w: %w", m.Tag, ErrMalformedPayload, err)
	}

	return s, nil
}

func decodeKey(m Message) (string, error) {
	key, err := decodeString(m)
	if err != nil {
		return "", err
	}

	if key == "" {
		return "", fmt.Errorf("wire: %s: %w: key is required", m.Tag, ErrMalformedPayload)
	}

	return key, nil
}

// Outbound is a typed message sent to the application runtime.
type Outbound interface {
	Tag() Tag
	Payload() any
}

// StorageValue answers a request or save with the canonical value of Key.
// A nil Value is sent as null.
type StorageValue struct {
	Key   string
	Value json.RawMessage
}

// Tag returns the per-key listen tag.
func (v StorageValue) Tag() Tag { return ListenTag(v.Key) }

// Payload returns the stored JSON value, or null.
func (v StorageValue) Payload() any {
	if len(v.Value) == 0 {
		return json.RawMessage("null")
	}

	return v.Value
}

// StorageChange reports an externally originated change to a watched key.
// NewValue is the raw stored text, nil when the key was removed.
type StorageChange struct {
	Key      string  `json:"key"`
	NewValue *string `json:"newValue"`
}

// Tag returns TagStorageChange.
func (StorageChange) Tag() Tag { return TagStorageChange }

// Payload returns the change record itself.
func (c StorageChange) Payload() any { return c }

// Encode converts an outbound record into a Message.
func Encode(out Outbound) (Message, error) {
	return NewMessage(out.Tag(), out.Payload())
}

// CompactJSON validates raw and returns its compact form.
func CompactJSON(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("wire: %w: %w", ErrMalformedPayload, err)
	}

	return buf.Bytes(), nil
}
