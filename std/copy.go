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
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const bufSize = 4096

// ErrNoHalfClose is returned by CloseWrite on wrappers whose stream cannot
// half-close.
var ErrNoHalfClose = errors.New("half-close not supported")

type closeWriter interface {
	CloseWrite() error
}

// Memory optimized io.Copy function specified for this library
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	// If the reader has a WriteTo method, use it to do the copy.
	// Avoids an allocation and a copy.
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	// Similarly, if the writer has a ReadFrom method, use it to do the copy.
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}

	// fallback to standard io.CopyBuffer
	buf := make([]byte, bufSize)
	return io.CopyBuffer(dst, src, buf)
}

// Pipe copies between two streams in both directions until both are done.
//
// When one direction reaches EOF and its destination can half-close, the EOF
// is forwarded and the other direction keeps running. Otherwise the other
// direction gets closeWait seconds to finish before both streams are closed.
func Pipe(alice, bob io.ReadWriteCloser, closeWait int) (errA, errB error) {
	var closed sync.Once
	closeBoth := func() {
		closed.Do(func() {
			alice.Close()
			bob.Close()
		})
	}

	// each direction reports whether it ended with a forwarded half-close
	ended := make(chan bool, 2)
	streamCopy := func(dst io.Writer, src io.Reader, err *error) {
		_, *err = Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok && *err == nil && cw.CloseWrite() == nil {
			ended <- true
			return
		}
		ended <- false
	}

	go streamCopy(alice, bob, &errA)
	go streamCopy(bob, alice, &errB)

	remaining := 1
	if half := <-ended; !half {
		if closeWait > 0 {
			select {
			case <-ended:
				remaining = 0
			case <-time.After(time.Duration(closeWait) * time.Second):
			}
		}
		closeBoth()
	}
	for ; remaining > 0; remaining-- {
		<-ended
	}
	closeBoth()
	return
}
