package main

import "log/slog"

// pipeTransport reads length-prefixed CSC frames from one or more FIFOs or
// character devices. Each frame on the wire is a single length byte followed by
// that many payload bytes. A recorder or an external BLE helper can feed it with
// e.g. `printf '\x07\x01\x0a\x00\x00\x00\x00\x04' > /run/velotach/csc`.
//
// The reader loop is platform specific (epoll on Linux).
type pipeTransport struct {
	cfg    PipeConfig
	logger *slog.Logger
}

func newPipeTransport(cfg PipeConfig, logger *slog.Logger) *pipeTransport {
	return &pipeTransport{cfg: cfg, logger: logger}
}

func (t *pipeTransport) Name() string { return transportPipe }

// frameAssembler splits a byte stream into length-prefixed frames. Partial
// frames are kept until the rest arrives.
type frameAssembler struct {
	buf []byte
}

// Push appends data and returns every complete frame. Returned frames alias an
// internal buffer only until the next Push.
func (a *frameAssembler) Push(data []byte) [][]byte {
	a.buf = append(a.buf, data...)

	var frames [][]byte
	for len(a.buf) > 0 {
		n := int(a.buf[0])
		if len(a.buf) < 1+n {
			break
		}
		if n > 0 {
			frames = append(frames, a.buf[1:1+n])
		}
		a.buf = a.buf[1+n:]
	}

	// Compact so the buffer does not grow without bound.
	if len(a.buf) == 0 {
		a.buf = a.buf[:0:0]
	}
	return frames
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (a *frameAssembler) Pending() int { return len(a.buf) }
