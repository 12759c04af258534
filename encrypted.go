package wiremux

import (
	"bufio"
	"io"

	"github.com/opd-ai/wiremux/crypto"
)

// encryptedReader reads from the transport, passing bytes through
// untouched until a keystream is installed, then XORing every byte.
// The upgrade happens at a frame boundary; the read pump owns the
// reader, so installation is ordered with the byte stream.
type encryptedReader struct {
	r      *bufio.Reader
	stream *crypto.Stream
}

func newEncryptedReader(r io.Reader) *encryptedReader {
	return &encryptedReader{r: bufio.NewReader(r)}
}

func (er *encryptedReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	if n > 0 && er.stream != nil {
		er.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (er *encryptedReader) upgrade(stream *crypto.Stream) {
	er.stream = stream
}

// encryptedWriter is the outbound mirror: pass-through until upgraded,
// then every byte XORed with the keystream before buffering.
type encryptedWriter struct {
	w       *bufio.Writer
	stream  *crypto.Stream
	scratch []byte
}

func newEncryptedWriter(w io.Writer) *encryptedWriter {
	return &encryptedWriter{w: bufio.NewWriter(w)}
}

func (ew *encryptedWriter) Write(p []byte) (int, error) {
	if ew.stream == nil {
		return ew.w.Write(p)
	}
	if cap(ew.scratch) < len(p) {
		ew.scratch = make([]byte, len(p))
	}
	ciphertext := ew.scratch[:len(p)]
	ew.stream.XORKeyStream(ciphertext, p)
	return ew.w.Write(ciphertext)
}

func (ew *encryptedWriter) Flush() error {
	return ew.w.Flush()
}

func (ew *encryptedWriter) upgrade(stream *crypto.Stream) {
	ew.stream = stream
}
