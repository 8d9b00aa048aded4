// Copyright 2020 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowsocks

import (
	"crypto/cipher"
	"io"
)

// payloadSizeMask is the maximum size of the plaintext in a single AEAD
// chunk, per https://shadowsocks.org/guide/aead.html. The length prefix only
// uses 14 bits.
const payloadSizeMask = 0x3FFF

// NewCipher creates an [EncryptionKey] from a cipher name and secret,
// combining [CipherByName] and [NewEncryptionKey] for callers that only have
// the cipher's textual name (e.g. from a config file or URL).
func NewCipher(name, secretText string) (*EncryptionKey, error) {
	cipher, err := CipherByName(name)
	if err != nil {
		return nil, err
	}
	return NewEncryptionKey(cipher, secretText)
}

// Writer encrypts a stream as a sequence of Shadowsocks AEAD chunks, each
// prefixed by its own encrypted length.
type Writer struct {
	writer        io.Writer
	ssCipher      *EncryptionKey
	saltGenerator SaltGenerator
	aead          cipher.AEAD
	nonce         []byte
	buf           []byte
	lazy          []byte
}

var (
	_ io.Writer     = (*Writer)(nil)
	_ io.ReaderFrom = (*Writer)(nil)
)

// NewWriter creates a Writer that encrypts the given stream using key.
func NewWriter(writer io.Writer, key *EncryptionKey) *Writer {
	return &Writer{writer: writer, ssCipher: key, saltGenerator: RandomSaltGenerator}
}

// NewShadowsocksWriter is an alias for [NewWriter], kept for callers that
// build a StreamDialer directly on top of the cipher package.
func NewShadowsocksWriter(writer io.Writer, key *EncryptionKey) *Writer {
	return NewWriter(writer, key)
}

// SetSaltGenerator overrides the salt generator used for the connection's
// initial salt. Must be called before the first Write, LazyWrite or Flush.
func (w *Writer) SetSaltGenerator(sg SaltGenerator) {
	w.saltGenerator = sg
}

func (w *Writer) init() error {
	if w.aead != nil {
		return nil
	}
	salt := make([]byte, w.ssCipher.SaltSize())
	if err := w.saltGenerator.GetSalt(salt); err != nil {
		return err
	}
	aead, err := w.ssCipher.NewAEAD(salt)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(salt); err != nil {
		return err
	}
	w.aead = aead
	w.nonce = make([]byte, aead.NonceSize())
	w.buf = make([]byte, 2+aead.Overhead()+payloadSizeMask+aead.Overhead())
	return nil
}

func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

func (w *Writer) seal(dst, plaintext []byte) []byte {
	out := w.aead.Seal(dst, w.nonce, plaintext, nil)
	incrementNonce(w.nonce)
	return out
}

// encryptBlock writes a single length-prefixed AEAD chunk containing block.
func (w *Writer) encryptBlock(block []byte) error {
	if err := w.init(); err != nil {
		return err
	}
	lengthBytes := []byte{byte(len(block) >> 8), byte(len(block))}
	out := w.buf[:0]
	out = w.seal(out, lengthBytes)
	out = w.seal(out, block)
	_, err := w.writer.Write(out)
	return err
}

// flushLazy writes out any data buffered by LazyWrite as a single chunk,
// splitting it into multiple chunks if it exceeds the maximum payload size.
func (w *Writer) flushLazy() error {
	if len(w.lazy) == 0 {
		return nil
	}
	pending := w.lazy
	w.lazy = nil
	return w.writeBlocks(pending)
}

func (w *Writer) writeBlocks(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > payloadSizeMask {
			n = payloadSizeMask
		}
		if err := w.encryptBlock(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// LazyWrite buffers data without writing it to the underlying stream. A
// subsequent Write folds it into the same chunk as that Write's data,
// avoiding an extra round trip on the wire for protocols that send a header
// before any payload; Flush and ReadFrom write it out as a chunk of its own.
func (w *Writer) LazyWrite(data []byte) (int, error) {
	w.lazy = append(w.lazy, data...)
	return len(data), nil
}

// Flush writes out any data buffered by LazyWrite.
func (w *Writer) Flush() error {
	return w.flushLazy()
}

// Write encrypts data (folding in anything buffered by an earlier LazyWrite)
// and writes it to the underlying stream, in chunks of at most
// payloadSizeMask bytes.
func (w *Writer) Write(data []byte) (int, error) {
	pending := append(w.lazy, data...)
	w.lazy = nil
	if err := w.writeBlocks(pending); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadFrom implements io.ReaderFrom, reading from r until EOF or error and
// writing chunks as they become available.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	if err := w.flushLazy(); err != nil {
		return 0, err
	}
	if err := w.init(); err != nil {
		return 0, err
	}
	var written int64
	buf := make([]byte, payloadSizeMask)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := w.encryptBlock(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// Reader decrypts a stream produced by a Writer.
type Reader struct {
	reader   io.Reader
	ssCipher *EncryptionKey
	aead     cipher.AEAD
	nonce    []byte
	buf      []byte
	leftover []byte
}

var (
	_ io.Reader   = (*Reader)(nil)
	_ io.WriterTo = (*Reader)(nil)
)

// NewReader creates a Reader that decrypts the given stream using key.
func NewReader(reader io.Reader, key *EncryptionKey) *Reader {
	return &Reader{reader: reader, ssCipher: key}
}

// NewShadowsocksReader is an alias for [NewReader].
func NewShadowsocksReader(reader io.Reader, key *EncryptionKey) *Reader {
	return NewReader(reader, key)
}

func (r *Reader) init() error {
	if r.aead != nil {
		return nil
	}
	salt := make([]byte, r.ssCipher.SaltSize())
	if _, err := io.ReadFull(r.reader, salt); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return err
	}
	aead, err := r.ssCipher.NewAEAD(salt)
	if err != nil {
		return err
	}
	r.aead = aead
	r.nonce = make([]byte, aead.NonceSize())
	r.buf = make([]byte, payloadSizeMask+aead.Overhead())
	return nil
}

func (r *Reader) open(dst, ciphertext []byte) ([]byte, error) {
	out, err := r.aead.Open(dst, r.nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	incrementNonce(r.nonce)
	return out, nil
}

// readBlock reads and decrypts the next chunk, returning its plaintext.
func (r *Reader) readBlock() ([]byte, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	lenCipher := make([]byte, 2+r.aead.Overhead())
	if _, err := io.ReadFull(r.reader, lenCipher); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	lenPlain, err := r.open(nil, lenCipher)
	if err != nil {
		return nil, err
	}
	size := (int(lenPlain[0])<<8 + int(lenPlain[1])) & payloadSizeMask
	chunk := make([]byte, size+r.aead.Overhead())
	if _, err := io.ReadFull(r.reader, chunk); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.open(nil, chunk)
}

// Read implements io.Reader, returning at most one chunk's worth of
// plaintext per call.
func (r *Reader) Read(b []byte) (int, error) {
	if len(r.leftover) == 0 {
		block, err := r.readBlock()
		if err != nil {
			return 0, err
		}
		r.leftover = block
	}
	n := copy(b, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, decrypting chunks and writing their
// plaintext to dst until EOF.
func (r *Reader) WriteTo(dst io.Writer) (int64, error) {
	var written int64
	for {
		if len(r.leftover) > 0 {
			n, err := dst.Write(r.leftover)
			written += int64(n)
			r.leftover = r.leftover[n:]
			if err != nil {
				return written, err
			}
			continue
		}
		block, err := r.readBlock()
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
		r.leftover = block
	}
}
