// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package crypto supplies the key material consumed by security upgrades:
// a KeyPair that signs, verifies and exports its public half, and the peer ids
// derived from public keys.
package crypto

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	sha256 "github.com/minio/sha256-simd"
)

var (
	// ErrInvalidKey is returned when key bytes cannot be decoded.
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrSignature is returned when signing fails.
	ErrSignature = errors.New("crypto: signature error")
)

// KeyType enumerates the supported key algorithms.
type KeyType byte

const (
	Ed25519 KeyType = iota + 1
	Secp256k1
)

func (t KeyType) String() string {
	switch t {
	case Ed25519:
		return "ed25519"
	case Secp256k1:
		return "secp256k1"
	default:
		return fmt.Sprintf("keytype(%d)", byte(t))
	}
}

// ParseKeyType maps a name as printed by KeyType.String back to the type.
func ParseKeyType(name string) (KeyType, error) {
	switch name {
	case "ed25519", "":
		return Ed25519, nil
	case "secp256k1":
		return Secp256k1, nil
	}
	return 0, errors.Errorf("crypto: unknown key type %q", name)
}

// PublicKey verifies signatures produced by the matching KeyPair.
type PublicKey interface {
	Type() KeyType
	Raw() []byte
	Verify(data, sig []byte) (bool, error)
}

// KeyPair is a local identity: a secret key plus its public half.
type KeyPair interface {
	Type() KeyType
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) (bool, error)
	Public() PublicKey
	// PublicMaterial is the public key in its wire form, see MarshalPublicKey.
	PublicMaterial() []byte
	// Secret returns the raw secret key bytes.
	Secret() []byte
}

// PeerID is the printable identity of a peer, derived from its public key.
type PeerID string

// PeerIDFromPublicKey hashes the wire form of pk into a base58 peer id.
func PeerIDFromPublicKey(pk PublicKey) PeerID {
	sum := sha256.Sum256(MarshalPublicKey(pk))
	return PeerID(base58.Encode(sum[:]))
}

// ShortString returns a prefix of the id for log lines.
func (id PeerID) ShortString() string {
	if len(id) <= 10 {
		return string(id)
	}
	return string(id[:10])
}

// MarshalPublicKey encodes pk as a type byte followed by the raw key.
func MarshalPublicKey(pk PublicKey) []byte {
	raw := pk.Raw()
	out := make([]byte, 1+len(raw))
	out[0] = byte(pk.Type())
	copy(out[1:], raw)
	return out
}

// UnmarshalPublicKey reverses MarshalPublicKey.
func UnmarshalPublicKey(b []byte) (PublicKey, error) {
	if len(b) < 2 {
		return nil, errors.Wrap(ErrInvalidKey, "short public key")
	}
	switch KeyType(b[0]) {
	case Ed25519:
		return unmarshalEd25519Public(b[1:])
	case Secp256k1:
		return unmarshalSecp256k1Public(b[1:])
	}
	return nil, errors.Wrapf(ErrInvalidKey, "unknown key type %d", b[0])
}

// GenerateKeyPair creates a fresh key of the given type.
func GenerateKeyPair(t KeyType) (KeyPair, error) {
	switch t {
	case Ed25519:
		return generateEd25519()
	case Secp256k1:
		return generateSecp256k1()
	}
	return nil, errors.Errorf("crypto: cannot generate %v", t)
}

// UnmarshalKeyPair decodes a key pair from its type and secret bytes.
func UnmarshalKeyPair(t KeyType, secret []byte) (KeyPair, error) {
	switch t {
	case Ed25519:
		return unmarshalEd25519Private(secret)
	case Secp256k1:
		return unmarshalSecp256k1Private(secret)
	}
	return nil, errors.Wrapf(ErrInvalidKey, "unknown key type %d", byte(t))
}
