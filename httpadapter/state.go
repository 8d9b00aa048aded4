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

// sendState tags which of two behaviors a relay-mode write direction is in.
// A tunnel never leaves passthrough; a relay starts in absorbing and moves
// to passthrough exactly once, the moment its one header has been rewritten
// and forwarded. Using an explicit tag instead of swapping function values
// keeps the transition inspectable and makes the two states independently
// testable.
type sendState int

const (
	// absorbing means bytes written so far are being buffered and
	// re-parsed as an HTTP header; nothing has reached the peer yet.
	absorbing sendState = iota
	// passthrough means the one header has already been rewritten and
	// forwarded; further bytes go straight to the peer.
	passthrough
)
