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
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"
)

// SnmpLogger appends a CSV row of kcp.DefaultSnmp to path every interval
// seconds until ctx is done. path is passed through time.Format, so it may
// carry a date layout to rotate files.
func SnmpLogger(ctx context.Context, path string, interval int) {
	if path == "" || interval == 0 {
		return
	}
	log := zap.L().Named("snmp")
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := WriteSnmp(path, time.Now()); err != nil {
				log.Error("write snmp", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// WriteSnmp appends one row to the file path names at now, writing the
// header first if the file is empty.
func WriteSnmp(path string, now time.Time) error {
	// split path into dirname and filename
	logdir, logfile := filepath.Split(path)
	// only format logfile
	f, err := os.OpenFile(logdir+now.Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	// write header in empty file
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, kcp.DefaultSnmp.Header()...)); err != nil {
			return err
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(now.Unix())}, kcp.DefaultSnmp.ToSlice()...)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
