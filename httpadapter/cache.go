// Copyright 2024 The Outline Authors
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

package httpadapter

import "io"

// Cache is a small growable byte queue used to hold bytes that have already
// been read off the wire (or synthesized locally) but not yet delivered to
// the caller. Every adapter direction drains its Cache before it reads from
// the underlying stream again, so a header rewrite never needs an extra
// round trip and never loses bytes that arrived alongside it.
type Cache struct {
	buf []byte
	pos int
}

// Len reports how many unconsumed bytes remain.
func (c *Cache) Len() int { return len(c.buf) - c.pos }

// Residue returns the unconsumed bytes without copying them.
func (c *Cache) Residue() []byte { return c.buf[c.pos:] }

// Append adds p to the end of the queue.
func (c *Cache) Append(p []byte) {
	c.buf = append(c.buf, p...)
}

// Consume drops the first n bytes of the queue, as if they had been read.
func (c *Cache) Consume(n int) {
	c.pos += n
	if c.pos >= len(c.buf) {
		c.buf = c.buf[:0]
		c.pos = 0
	}
}

// Prepend inserts data ahead of whatever residue is currently queued, so the
// queue reads as [data][old residue]. This is how a header gets replaced
// in place: the caller Consumes the bytes it just parsed off the front,
// leaving only the trailing body bytes that were read alongside it, then
// Prepends the freshly re-serialized header ahead of that trailing residue.
func (c *Cache) Prepend(data []byte) {
	residue := c.Residue()
	merged := make([]byte, 0, len(data)+len(residue))
	merged = append(merged, data...)
	merged = append(merged, residue...)
	c.buf = merged
	c.pos = 0
}

// Read implements io.Reader over the queued bytes, so a Cache can sit in
// front of the real wire connection. It returns io.EOF once drained, which
// callers use as the signal to fall through to the underlying stream.
func (c *Cache) Read(p []byte) (int, error) {
	if c.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.Residue())
	c.Consume(n)
	return n, nil
}

var _ io.Reader = (*Cache)(nil)
