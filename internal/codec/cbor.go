// Package codec provides the CBOR encoding used for compact binary columns.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same metadata map
// always produces identical bytes, so encoded columns can be compared directly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Metadata maps only ever use string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalStrings encodes a string map. A nil or empty map encodes to nil so
// it can be stored as SQL NULL.
func MarshalStrings(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return Marshal(m)
}

// UnmarshalStrings decodes a string map. Empty input decodes to a nil map.
func UnmarshalStrings(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
