// Package wire defines the tagged message vocabulary shared by the host and the
// application runtime. A Message is a (tag, payload) pair carried on the wire
// as a two element JSON array. Inbound payloads are decoded here, and only
// here, into typed records implementing [Inbound]; outbound records implement
// [Outbound] and are encoded back into a Message.
//
// Tags are always un-prefixed inside this package. Namespacing (for example
// "Ports.LocalStorage.save") is the transport's concern.
package wire
