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
	"fmt"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"github.com/xtaci/qpp"
)

// qppPower is the pad dimension, one byte per permutation.
const qppPower = 8

// ValidateQPPParams rejects a pad count of zero and warns about a key or pad
// count too small for the pad dimension, or a count sharing a factor with it.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("QPPCount must be greater than 0 when QPP is enabled")
	}

	var warnings []string

	minSeedLength := qpp.QPPMinimumSeedLength(qppPower)
	if len(key) < minSeedLength {
		warnings = append(warnings, fmt.Sprintf("QPP Warning: 'key' has size of %d bytes, required %d bytes at least", len(key), minSeedLength))
	}

	minPads := qpp.QPPMinimumPads(qppPower)
	if count < minPads {
		warnings = append(warnings, fmt.Sprintf("QPP Warning: QPPCount %d, required %d at least", count, minPads))
	}

	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("QPP Warning: QPPCount %d, choose a prime number for security", count))
	}

	return warnings, nil
}

// QPPPort obfuscates a logical stream with a Quantum Permutation Pad. Both
// directions derive their PRNG from the same seed, so the two ends of a
// stream must be created with the same pad and seed. Reads and writes must
// each come from a single goroutine, as the PRNG state is per direction.
type QPPPort struct {
	underlying io.ReadWriteCloser

	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
	wbuf  []byte
}

// NewQPPPort wraps underlying. pad may be shared between ports.
func NewQPPPort(underlying io.ReadWriteCloser, pad *qpp.QuantumPermutationPad, seed []byte) *QPPPort {
	return &QPPPort{
		underlying: underlying,
		pad:        pad,
		wprng:      qpp.CreatePRNG(seed),
		rprng:      qpp.CreatePRNG(seed),
	}
}

func (r *QPPPort) Read(p []byte) (n int, err error) {
	n, err = r.underlying.Read(p)
	r.pad.DecryptWithPRNG(p[:n], r.rprng)
	return
}

// Write encrypts a copy of p, leaving the caller's buffer untouched.
func (r *QPPPort) Write(p []byte) (n int, err error) {
	if cap(r.wbuf) < len(p) {
		r.wbuf = make([]byte, len(p))
	}
	buf := r.wbuf[:len(p)]
	copy(buf, p)
	r.pad.EncryptWithPRNG(buf, r.wprng)
	return r.underlying.Write(buf)
}

func (r *QPPPort) Close() error {
	return r.underlying.Close()
}

// CloseWrite half-closes the underlying stream when it supports it.
func (r *QPPPort) CloseWrite() error {
	if cw, ok := r.underlying.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return ErrNoHalfClose
}
