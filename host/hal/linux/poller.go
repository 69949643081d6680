//go:build linux

package linux

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// poller multiplexes the netlink socket and every open usbfs node over
// one epoll instance. Callbacks run on the goroutine calling pollOnce.
type poller struct {
	epfd   int
	wakefd int

	mu        sync.Mutex
	callbacks map[int32]func(uint32)
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:      epfd,
		wakefd:    wakefd,
		callbacks: make(map[int32]func(uint32)),
	}
	if err := p.addFD(wakefd, unix.EPOLLIN, nil); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poller) close() error {
	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}

// addFD registers fd; callback receives the ready event mask.
func (p *poller) addFD(fd int, events uint32, callback func(uint32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.callbacks[int32(fd)] = callback
	return nil
}

func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.callbacks, int32(fd))
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake interrupts a blocked pollOnce.
func (p *poller) wake() error {
	buf := [8]byte{1}
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// pollOnce waits up to timeout for events and dispatches them. It returns
// the number of callbacks run.
func (p *poller) pollOnce(timeout time.Duration) (int, error) {
	var events [MaxEpollEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := events[i].Fd
		if int(fd) == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}

		p.mu.Lock()
		callback := p.callbacks[fd]
		p.mu.Unlock()

		if callback != nil {
			callback(events[i].Events)
			processed++
		}
	}
	return processed, nil
}
