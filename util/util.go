// util/util.go

package util

import (
	"fmt"
	"io"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// ReportingReader wraps an io.Reader and periodically logs how many bytes
// have been read and the rate of processing them in bytes/second. Pull
// wraps the SSH channel in one of these for its diff and fetch phases.
type ReportingReader struct {
	R                        io.Reader
	Msg                      string
	start                    time.Time
	reportCounter, readBytes int64
}

const reportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = reportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += reportFrequency
	}

	return n, err
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	bytesPerSec := int64(float64(r.readBytes) / delta.Seconds())
	log.Debugf("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.readBytes), FmtBytes(bytesPerSec))
}

func (r *ReportingReader) Close() error {
	r.report("finished. ")

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility functions

// FmtBytes formats a byte count using binary (IEC) units.
func FmtBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*1024.*1024.))
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*1024.))
	case n > 1024*1024:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	case n > 1024:
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// AlignBlock pads data with trailing zero bytes up to blockSize. It is a
// no-op (returning data unchanged) when data is already exactly blockSize
// long, and panics if data is longer than blockSize - every caller in this
// module reads at most one block at a time.
func AlignBlock(data []byte, blockSize int) []byte {
	if len(data) > blockSize {
		panic("util.AlignBlock: data longer than blockSize")
	}
	if len(data) == blockSize {
		return data
	}
	padded := make([]byte, blockSize)
	copy(padded, data)
	return padded
}
