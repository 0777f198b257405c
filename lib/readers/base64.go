package readers

import (
	"encoding/base64"
	"io"
)

// base64Encoder streams the base64 encoding of an underlying reader
// without realizing the input in memory. Input is consumed in blocks; a
// carry of up to 2 bytes is kept between blocks so that every emitted
// chunk encodes a 3-aligned prefix, and the tail (with padding) is
// flushed at EOF.
type base64Encoder struct {
	in        io.Reader
	blockSize int
	carry     [2]byte
	carryLen  int
	out       []byte // encoded bytes not yet read
	err       error  // sticky error to return after out drains
}

// defaultBase64Block is the input block read per refill. Peak memory is a
// small multiple of this regardless of input size.
const defaultBase64Block = 64 * 1024

// NewBase64Encoder returns a reader producing the standard base64
// encoding of in.
func NewBase64Encoder(in io.Reader) io.Reader {
	return &base64Encoder{in: in, blockSize: defaultBase64Block}
}

func (e *base64Encoder) refill() {
	buf := make([]byte, e.carryLen+e.blockSize)
	copy(buf, e.carry[:e.carryLen])
	n, err := io.ReadFull(e.in, buf[e.carryLen:])
	total := e.carryLen + n
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// flush everything including the unaligned tail
		e.out = make([]byte, base64.StdEncoding.EncodedLen(total))
		base64.StdEncoding.Encode(e.out, buf[:total])
		e.carryLen = 0
		e.err = io.EOF
		return
	}
	if err != nil {
		e.err = err
		return
	}
	aligned := (total / 3) * 3
	e.carryLen = copy(e.carry[:], buf[aligned:total])
	e.out = make([]byte, base64.StdEncoding.EncodedLen(aligned))
	base64.StdEncoding.Encode(e.out, buf[:aligned])
}

// Read implements io.Reader.
func (e *base64Encoder) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		e.refill()
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

// Base64EncodedLen returns the encoded size of n input bytes.
func Base64EncodedLen(n int64) int64 {
	return (n + 2) / 3 * 4
}
