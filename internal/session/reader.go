package session

import (
	"errors"
	"io"
	"time"

	"github.com/nerrad567/airvinyl/internal/capture"
)

// chunk is one read from the capture stream. A chunk with err set is the
// last one the reader sends.
type chunk struct {
	data []byte
	err  error
}

// captureReader moves chunks off a blocking capture stream so the relay can
// keep serving commands while a read is pending.
type captureReader struct {
	stream    capture.Stream
	frameSize int
	out       chan chunk
	quit      chan struct{}
	done      chan struct{}
}

func startReader(stream capture.Stream, chunkBytes, frameSize int) *captureReader {
	r := &captureReader{
		stream:    stream,
		frameSize: frameSize,
		out:       make(chan chunk, 4),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run(chunkBytes)
	return r
}

func (r *captureReader) run(chunkBytes int) {
	defer close(r.done)
	for {
		buf := make([]byte, chunkBytes)
		n, err := r.readFrames(buf)
		if n > 0 {
			select {
			case r.out <- chunk{data: buf[:n]}:
			case <-r.quit:
				return
			}
		}
		if err != nil {
			select {
			case r.out <- chunk{err: err}:
			case <-r.quit:
			}
			return
		}
	}
}

// readFrames reads at least one frame and never splits a frame across
// chunks. Short reads are otherwise forwarded as they come.
func (r *captureReader) readFrames(buf []byte) (int, error) {
	n, err := io.ReadAtLeast(r.stream, buf, r.frameSize)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return n - n%r.frameSize, err
	}
	if rem := n % r.frameSize; rem != 0 {
		m, err := io.ReadFull(r.stream, buf[n:n+r.frameSize-rem])
		n += m
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return n - n%r.frameSize, err
		}
	}
	return n, nil
}

// errReaderStuck is returned by stop when the reader goroutine outlives the
// wait. The goroutine exits on its own once the stream read returns.
var errReaderStuck = errors.New("capture reader did not exit after stop")

// stop halts the stream, which unblocks any pending read, and waits up to
// wait for the reader goroutine to finish.
func (r *captureReader) stop(wait time.Duration) error {
	stopErr := r.stream.Stop()
	close(r.quit)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.done:
		return stopErr
	case <-timer.C:
		return errors.Join(stopErr, errReaderStuck)
	}
}
