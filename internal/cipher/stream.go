package cipher

import (
	"errors"
	"io"
)

// Reader decrypts an encrypted stream. It reads whole segments from the source
// so the output does not depend on how the source chunks its data.
type Reader struct {
	src    io.Reader
	stripe *Stripe
	buf    []byte
	out    []byte
	err    error
}

// NewReader returns a Reader that decrypts src with the key derived from seed.
func NewReader(seed string, src io.Reader) (*Reader, error) {
	s, err := New(seed)
	if err != nil {
		return nil, err
	}
	return &Reader{
		src:    src,
		stripe: s,
		buf:    make([]byte, SegmentSize),
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := io.ReadFull(r.src, r.buf)
		switch {
		case err == nil, errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			if err != nil {
				r.err = io.EOF
			}
			seg := r.buf[:n]
			r.stripe.DecryptSegment(seg)
			r.out = seg
		default:
			r.err = err
		}
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}
