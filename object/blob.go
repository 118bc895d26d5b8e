package object

// Blob is raw file content. The payload is the content itself.
type Blob struct {
	Data []byte
}

// Kind implements Object.
func (b *Blob) Kind() Kind { return KindBlob }

// Encode implements Object. A blob's canonical payload is its data.
func (b *Blob) Encode() ([]byte, error) { return b.Data, nil }

// DecodeBlob wraps payload as a Blob. Blobs have no structure to
// validate, so this cannot fail.
func DecodeBlob(payload []byte) *Blob {
	return &Blob{Data: payload}
}
