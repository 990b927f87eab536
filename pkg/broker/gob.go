package broker

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// gobMarshal/gobUnmarshal encode an Envelope's Payload field. This is a
// second, independent gob pass from the one pkg/codec registers for the
// Envelope itself on the wire — the outer envelope is framed by grpc's
// codec, the inner payload is framed here so handlers can decode only
// the MessageType-specific struct they expect.
func gobMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("broker: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func gobUnmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("broker: decode payload: %w", err)
	}
	return nil
}
