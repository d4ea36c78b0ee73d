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

package std

import (
	"crypto/sha1"
	"sort"

	kcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

// KeySalt is the PBKDF2 salt for packet keys. Changing it breaks
// compatibility with every deployed peer.
const KeySalt = "kcp-go"

// DeriveKey stretches a pre-shared secret into a 32 byte packet key.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(KeySalt), 4096, 32, sha1.New)
}

type cryptMethod struct {
	keySize int // 0 uses the whole derived key
	build   func(key []byte) (kcp.BlockCrypt, error)
}

var cryptMethods = map[string]cryptMethod{
	"aes":         {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128":     {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-192":     {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128-gcm": {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESGCMCrypt(key) }},
	"salsa20":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSalsa20BlockCrypt(key) }},
	"blowfish":    {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewBlowfishBlockCrypt(key) }},
	"twofish":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTwofishBlockCrypt(key) }},
	"cast5":       {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewCast5BlockCrypt(key) }},
	"3des":        {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTripleDESBlockCrypt(key) }},
	"tea":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTEABlockCrypt(key) }},
	"xtea":        {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewXTEABlockCrypt(key) }},
	"sm4":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSM4BlockCrypt(key) }},
	"xor":         {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSimpleXORBlockCrypt(key) }},
	"none":        {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewNoneBlockCrypt(key) }},
	"null":        {0, func(key []byte) (kcp.BlockCrypt, error) { return nil, nil }},
}

// Ciphers lists the cipher names SelectBlockCrypt knows, sorted.
func Ciphers() []string {
	names := make([]string, 0, len(cryptMethods))
	for name := range cryptMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectBlockCrypt builds the packet cipher called method from pass. Unknown
// or failing methods fall back to aes; the returned name is the cipher in use.
// "null" yields a nil BlockCrypt, meaning packets are sent in the clear.
func SelectBlockCrypt(method string, pass []byte) (kcp.BlockCrypt, string) {
	log := zap.L().Named("crypt")
	m, ok := cryptMethods[method]
	if !ok {
		log.Warn("unknown cipher, falling back to aes", zap.String("method", method))
		method, m = "aes", cryptMethods["aes"]
	}

	key := pass
	if m.keySize > 0 && len(pass) >= m.keySize {
		key = pass[:m.keySize]
	}
	block, err := m.build(key)
	if err != nil && method != "aes" {
		log.Warn("cipher unavailable, falling back to aes", zap.String("method", method), zap.Error(err))
		method = "aes"
		block, err = kcp.NewAESBlockCrypt(pass)
	}
	if err != nil {
		log.Error("aes cipher", zap.Error(err))
	}
	return block, method
}
