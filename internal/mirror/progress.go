package mirror

import (
	"io"

	"github.com/cheggaaa/pb/v3"
)

// progressBar wraps a byte-level pb progress bar over a fetch pass.
// A nil receiver (quiet or dry-run mode) turns every method into a
// no-op so call sites stay unconditional.
type progressBar struct {
	bar *pb.ProgressBar
}

func newProgressBar(totalBytes int64, quiet bool) *progressBar {
	if quiet || totalBytes <= 0 {
		return nil
	}
	bar := pb.Full.Start64(totalBytes)
	bar.Set(pb.Bytes, true)
	return &progressBar{bar: bar}
}

// Reader wraps r so bytes are counted as they stream through.
func (p *progressBar) Reader(r io.Reader) io.Reader {
	if p == nil {
		return r
	}
	return p.bar.NewProxyReader(r)
}

// Rewind subtracts n already-counted bytes after a failed attempt, so
// retries do not inflate the bar.
func (p *progressBar) Rewind(n int64) {
	if p == nil {
		return
	}
	p.bar.Add64(-n)
}

func (p *progressBar) Finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}
