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

package crypto

import (
	"os"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EncodeKeyPair renders k as "<type>:<base58 secret>".
func EncodeKeyPair(k KeyPair) string {
	return k.Type().String() + ":" + base58.Encode(k.Secret())
}

// DecodeKeyPair parses the output of EncodeKeyPair.
func DecodeKeyPair(s string) (KeyPair, error) {
	name, enc, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, errors.Wrap(ErrInvalidKey, "missing key type prefix")
	}
	t, err := ParseKeyType(name)
	if err != nil {
		return nil, err
	}
	secret, err := base58.Decode(enc)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return UnmarshalKeyPair(t, secret)
}

// LoadOrGenerate reads a key pair from path. When path is empty a key of type
// t is generated and kept in memory only; when path names a missing file the
// generated key is written there.
func LoadOrGenerate(path string, t KeyType) (KeyPair, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			return DecodeKeyPair(string(b))
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "read identity")
		}
	}

	k, err := GenerateKeyPair(t)
	if err != nil {
		return nil, err
	}
	id := PeerIDFromPublicKey(k.Public())
	if path == "" {
		zap.L().Info("generated ephemeral identity", zap.String("peer", string(id)))
		return k, nil
	}
	if err := os.WriteFile(path, []byte(EncodeKeyPair(k)+"\n"), 0o600); err != nil {
		return nil, errors.Wrap(err, "write identity")
	}
	zap.L().Info("generated identity", zap.String("peer", string(id)), zap.String("file", path))
	return k, nil
}
