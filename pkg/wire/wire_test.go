package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalArray(t *testing.T) {
	m := Message{Tag: TagStorageRequest, Payload: json.RawMessage(`"theme"`)}

	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `["LocalStorage.request","theme"]`, string(b))
}

func TestMessageMarshalEmptyPayload(t *testing.T) {
	b, err := json.Marshal(Message{Tag: "Foo.bar"})
	require.NoError(t, err)
	assert.JSONEq(t, `["Foo.bar",null]`, string(b))
}

func TestMessageUnmarshal(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`["LocalStorage.save",{"key":"k","value":[1,2]}]`), &m))

	assert.Equal(t, TagStorageSave, m.Tag)
	assert.JSONEq(t, `{"key":"k","value":[1,2]}`, string(m.Payload))
}

func TestMessageUnmarshalRejectsBadShapes(t *testing.T) {
	for _, in := range []string{`{}`, `["only-tag"]`, `[1, 2]`, `["a", 1, 2]`} {
		var m Message
		err := json.Unmarshal([]byte(in), &m)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, ErrMalformedPayload, in)
	}
}

func TestTagPrefix(t *testing.T) {
	assert.Equal(t, Tag("Ports.LocalStorage.save"), TagStorageSave.WithPrefix("Ports"))
	assert.Equal(t, TagStorageSave, TagStorageSave.WithPrefix(""))
	assert.Equal(t, TagStorageSave, Tag("Ports.LocalStorage.save").TrimPrefix("Ports"))
	assert.Equal(t, Tag("Other.thing"), Tag("Other.thing").TrimPrefix("Ports"))
}

func TestListenTag(t *testing.T) {
	tag := ListenTag("theme")
	assert.Equal(t, Tag("LocalStorage.listen.theme"), tag)
}

func TestInboundTags(t *testing.T) {
	tags := InboundTags()
	assert.Equal(t, []Tag{
		TagStorageRequest,
		TagStorageSave,
		TagStorageUnwatch,
		TagStorageWatch,
		TagLog,
	}, tags)
	for _, tag := range tags {
		assert.True(t, IsInbound(tag), tag)
	}
}

func TestIsInbound(t *testing.T) {
	assert.True(t, IsInbound(TagStorageSave))
	assert.True(t, IsInbound(TagLog))
	assert.False(t, IsInbound(TagStorageChange))
	assert.False(t, IsInbound("Foo.bar"))
}

func TestDecodeInboundTypedRecords(t *testing.T) {
	in, err := DecodeInbound(Message{Tag: TagStorageRequest, Payload: json.RawMessage(`"theme"`)})
	require.NoError(t, err)
	assert.Equal(t, StorageRequest{Key: "theme"}, in)

	in, err = DecodeInbound(Message{Tag: TagStorageWatch, Payload: json.RawMessage(`"settings"`)})
	require.NoError(t, err)
	assert.Equal(t, StorageWatch{Key: "settings"}, in)

	in, err = DecodeInbound(Message{Tag: TagStorageUnwatch, Payload: json.RawMessage(`"settings"`)})
	require.NoError(t, err)
	assert.Equal(t, StorageUnwatch{Key: "settings"}, in)

	in, err = DecodeInbound(Message{Tag: TagLog, Payload: json.RawMessage(`"hello"`)})
	require.NoError(t, err)
	assert.Equal(t, LogLine{Text: "hello"}, in)
}

func TestDecodeInboundSave(t *testing.T) {
	in, err := DecodeInbound(Message{Tag: TagStorageSave, Payload: json.RawMessage(`{"key":"theme","value":"dark"}`)})
	require.NoError(t, err)

	save, ok := in.(StorageSave)
	require.True(t, ok)
	assert.Equal(t, "theme", save.Key)
	assert.JSONEq(t, `"dark"`, string(save.Value))
}

func TestDecodeInboundSaveMissingValueIsNull(t *testing.T) {
	in, err := DecodeInbound(Message{Tag: TagStorageSave, Payload: json.RawMessage(`{"key":"theme"}`)})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), in.(StorageSave).Value)
}

func TestDecodeInboundMalformed(t *testing.T) {
	cases := []Message{
		{Tag: TagStorageSave, Payload: json.RawMessage(`{"value":1}`)},
		{Tag: TagStorageSave, Payload: json.RawMessage(`"theme"`)},
		{Tag: TagStorageRequest, Payload: json.RawMessage(`42`)},
		{Tag: TagStorageRequest, Payload: json.RawMessage(`""`)},
		{Tag: TagStorageWatch},
		{Tag: TagLog, Payload: json.RawMessage(`{"text":"x"}`)},
	}

	for _, m := range cases {
		_, err := DecodeInbound(m)
		assert.ErrorIs(t, err, ErrMalformedPayload, "%s %s", m.Tag, m.Payload)
	}
}

func TestDecodeInboundUnknownTag(t *testing.T) {
	_, err := DecodeInbound(Message{Tag: "Foo.bar", Payload: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestEncodeStorageValue(t *testing.T) {
	m, err := Encode(StorageValue{Key: "theme", Value: json.RawMessage(`"dark"`)})
	require.NoError(t, err)
	assert.Equal(t, ListenTag("theme"), m.Tag)
	assert.JSONEq(t, `"dark"`, string(m.Payload))

	m, err = Encode(StorageValue{Key: "missing"})
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(m.Payload))
}

func TestEncodeStorageChange(t *testing.T) {
	v := "X"

	m, err := Encode(StorageChange{Key: "settings", NewValue: &v})
	require.NoError(t, err)
	assert.Equal(t, TagStorageChange, m.Tag)
	assert.JSONEq(t, `{"key":"settings","newValue":"X"}`, string(m.Payload))

	m, err = Encode(StorageChange{Key: "settings"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"settings","newValue":null}`, string(m.Payload))
}

func TestCompactJSON(t *testing.T) {
	out, err := CompactJSON([]byte(`{ "a" : [ 1, 2 ] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2]}`, string(out))

	_, err = CompactJSON([]byte(`{nope`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
