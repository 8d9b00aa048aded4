// Copyright 2023 The Outline Authors
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
	"bytes"
	"io"
	"testing"
)

const testTargetAddr = "test.local:1234"

func makeTestKey(t testing.TB) *EncryptionKey {
	key, err := NewEncryptionKey(CHACHA20IETFPOLY1305, "test secret")
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}
	return key
}

func makeTestPayload(size int) []byte {
	return MakeTestPayload(size)
}

// expectEchoPayload writes request to conn and asserts that the bytes read
// back match it exactly.
func expectEchoPayload(conn io.ReadWriter, request, buffer []byte, t testing.TB) {
	n, err := conn.Write(request)
	if err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if n != len(request) {
		t.Fatalf("Wrote %d bytes, expected %d", n, len(request))
	}
	n, err = io.ReadFull(conn, buffer[:len(request)])
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if !bytes.Equal(request, buffer[:n]) {
		t.Fatalf("Echo payload mismatch")
	}
}
