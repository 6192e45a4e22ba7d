// Package payload specifies the seam between the session core and the
// broker's request/response body schema. The core (pkg/ksession) never
// interprets payload bytes; it only tags them with a payload_type and
// hands them to whatever Codec the embedder supplies. This mirrors
// spec.md's explicit scope boundary: "the on-the-wire schema of
// individual request/response payload bodies ... is out of scope".
package payload

import "fmt"

// Codec encodes and decodes payload bodies for a given payload_type tag.
// The core only ever calls Encode/Decode for the small reserved set of
// types it must itself recognize (app-auth, account-auth, generic error,
// keepalive, execution event); all other payload types flow through the
// session as opaque []byte and are never passed to a Codec by the core.
type Codec interface {
	Encode(payloadType uint32, v any) ([]byte, error)
	Decode(payloadType uint32, raw []byte, out any) error
}

// ErrUnsupportedPayloadType is a convenience sentinel a Codec
// implementation may return from Encode/Decode.
type ErrUnsupportedPayloadType struct {
	PayloadType uint32
}

func (e *ErrUnsupportedPayloadType) Error() string {
	return fmt.Sprintf("payload: unsupported payload type %d", e.PayloadType)
}
