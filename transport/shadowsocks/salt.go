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
	"crypto/rand"
)

// SaltGenerator generates unique salts to use in Shadowsocks connections.
type SaltGenerator interface {
	// Returns a new salt
	GetSalt(salt []byte) error
}

// randomSaltGenerator generates a new random salt.
type randomSaltGenerator struct{}

// GetSalt outputs a random salt.
func (randomSaltGenerator) GetSalt(salt []byte) error {
	_, err := rand.Read(salt)
	return err
}

// RandomSaltGenerator is a basic SaltGenerator.
var RandomSaltGenerator SaltGenerator = randomSaltGenerator{}

// prefixSaltGenerator fills the leading bytes of the salt with a fixed
// prefix, used to disguise Shadowsocks traffic as another protocol, and
// randomizes the remainder.
type prefixSaltGenerator struct {
	prefix []byte
}

func (g prefixSaltGenerator) GetSalt(salt []byte) error {
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	copy(salt, g.prefix)
	return nil
}

// NewPrefixSaltGenerator returns a SaltGenerator that starts every salt with
// prefix and fills the rest with random bytes. A nil or empty prefix behaves
// like RandomSaltGenerator.
func NewPrefixSaltGenerator(prefix []byte) SaltGenerator {
	return prefixSaltGenerator{prefix: prefix}
}
