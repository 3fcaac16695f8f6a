//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Open implements SensorTransport using a single epoll loop over all paths plus
// an eventfd used to wake the loop on Unsubscribe.
func (t *pipeTransport) Open(ctx context.Context, h FrameHandler) (Subscription, error) {
	if len(t.cfg.Paths) == 0 {
		return nil, fmt.Errorf("%w: no pipe paths configured", ErrTransportUnavailable)
	}

	var fds []int
	closeAll := func() {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}

	fdToPath := make(map[int]string)
	for _, p := range t.cfg.Paths {
		p = ExpandPath(p)
		// O_RDWR keeps a FIFO open across writers coming and going.
		fd, err := unix.Open(p, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			fd, err = unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: open %s: %v", ErrConnectionFailed, p, err)
		}
		fds = append(fds, fd)
		fdToPath[fd] = p
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: eventfd: %v", ErrTransportUnavailable, err)
	}
	fds = append(fds, wake)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrTransportUnavailable, err)
	}
	fds = append(fds, epfd)

	for _, fd := range fds[:len(fds)-1] {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: epoll_ctl_add fd=%d: %v", ErrConnectionFailed, fd, err)
		}
	}

	t.logger.Info("pipe transport opened", "paths", t.cfg.Paths)

	// mu guards the descriptors: the reader closes them on exit, Unsubscribe
	// only writes to wake while they are still open.
	var (
		mu     sync.Mutex
		exited bool
	)
	go func() {
		err := t.readLoop(epfd, wake, fdToPath, h.OnFrame)

		mu.Lock()
		exited = true
		closeAll()
		mu.Unlock()

		if err != nil {
			h.OnDisconnect(err)
		}
	}()

	return newSubscription(func() {
		mu.Lock()
		defer mu.Unlock()
		if exited {
			return
		}
		var one [8]byte
		binary.LittleEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(wake, one[:])
	}), nil
}

// readLoop waits for readable descriptors and forwards assembled frames. It
// returns nil when woken through the eventfd.
func (t *pipeTransport) readLoop(epfd, wake int, fdToPath map[int]string, onFrame func([]byte)) error {
	const maxEvents = 16
	events := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, 4096)
	assemblers := make(map[int]*frameAssembler, len(fdToPath))
	for fd := range fdToPath {
		assemblers[fd] = &frameAssembler{}
	}

	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == wake {
				return nil
			}
			path := fdToPath[fd]

			if events[i].Events&unix.EPOLLERR != 0 {
				return fmt.Errorf("pipe %s: device error", path)
			}

			for {
				m, err := unix.Read(fd, buf)
				if err != nil {
					if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
						break
					}
					return fmt.Errorf("read from %s: %w", path, err)
				}
				if m == 0 {
					// Writer went away on a read-only open.
					if events[i].Events&unix.EPOLLHUP != 0 {
						return fmt.Errorf("pipe %s: hangup", path)
					}
					break
				}
				for _, frame := range assemblers[fd].Push(buf[:m]) {
					onFrame(frame)
				}
			}
		}
	}
}
