package senka

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// WireVersion1 is the only defined payload layout. The constant exists so
// a cluster negotiating a future layout has something to hand to New.
const WireVersion1 = 1

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// Codec abstracts metadata value encoding for the wire. Must be
// deterministic-enough to be decoded by every peer; byte-level stability
// is not required because values merge through join, never compare.
type Codec[M any] interface {
	Encode(M) ([]byte, error)
	Decode([]byte) (M, error)
}

// CBORCodec encodes any CBOR-marshalable metadata type.
type CBORCodec[M any] struct{}

func (CBORCodec[M]) Encode(v M) ([]byte, error) { return cborEnc.Marshal(v) }
func (CBORCodec[M]) Decode(b []byte) (M, error) {
	var v M
	err := cborDec.Unmarshal(b, &v)
	return v, err
}

// wireCodec encodes the manager's five message kinds at a negotiated wire
// version. The code byte is version-independent; payload fields are not.
type wireCodec struct {
	version uint8
}

func newWireCodec(version uint8) (wireCodec, error) {
	if version != WireVersion1 {
		return wireCodec{}, fmt.Errorf("unsupported wire version %d", version)
	}
	return wireCodec{version: version}, nil
}

func (w wireCodec) encode(code msgCode, payload any) ([]byte, error) {
	body, err := cborEnc.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(body))
	frame[0] = byte(code)
	copy(frame[1:], body)
	return frame, nil
}

func (w wireCodec) decode(body []byte, into any) error {
	return cborDec.Unmarshal(body, into)
}
