package command

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/danmuck/collabctl/internal/protocol/tlv"
)

// Blob field ids. Entries alternate key, value.
const (
	paramKeyField   uint16 = 1
	paramValueField uint16 = 2
)

// Params is an opaque parameter block. On the wire it is a TLV sequence of
// string pairs, base64 encoded inside a JSON string. A nil and an empty block
// encode identically and both decode to nil.
type Params map[string]string

// EncodeBinary lays p out as TLV pairs sorted by key.
func (p Params) EncodeBinary() []byte {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]tlv.Field, 0, 2*len(keys))
	for _, k := range keys {
		fields = append(fields, tlv.String(paramKeyField, k), tlv.String(paramValueField, p[k]))
	}
	return tlv.EncodeFields(fields)
}

// DecodeParams parses the binary layout written by EncodeBinary. An empty
// block decodes to nil.
func DecodeParams(raw []byte) (Params, error) {
	fields, err := tlv.DecodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: dangling key", ErrInvalidBlob)
	}
	out := make(Params, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		k, v := fields[i], fields[i+1]
		if k.ID != paramKeyField || v.ID != paramValueField {
			return nil, fmt.Errorf("%w: entry %d out of order", ErrInvalidBlob, i/2)
		}
		if err := tlv.MustType(k, tlv.TypeString); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
		}
		if err := tlv.MustType(v, tlv.TypeString); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
		}
		key := string(k.Value)
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidBlob, key)
		}
		out[key] = string(v.Value)
	}
	return out, nil
}

func (p Params) base64() string {
	return base64.StdEncoding.EncodeToString(p.EncodeBinary())
}

func paramsFromBase64(s string) (Params, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidBlob, err)
	}
	return DecodeParams(raw)
}
