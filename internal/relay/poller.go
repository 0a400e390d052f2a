package relay

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller wraps a level-triggered epoll instance plus an eventfd that other
// goroutines use to wake the loop. The wait is the engine's only
// suspension point.
type Poller struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent
}

// NewPoller creates the epoll instance and registers the wakeup eventfd.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &Poller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, 128),
	}
	if err := p.Add(wakeFd, unix.EPOLLIN); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Add registers fd for the given readiness events.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Mod replaces fd's interest set.
func (p *Poller) Mod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Del deregisters fd.
func (p *Poller) Del(fd int) {
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered descriptor is ready, retrying
// through signal interruptions.
func (p *Poller) Wait() ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		return p.events[:n], nil
	}
}

// Wake makes the next Wait return immediately.
func (p *Poller) Wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(p.wakeFd, buf[:])
}

// IsWake reports whether fd is the wakeup eventfd.
func (p *Poller) IsWake(fd int) bool { return fd == p.wakeFd }

// DrainWake consumes the pending eventfd counter.
func (p *Poller) DrainWake() {
	var buf [8]byte
	unix.Read(p.wakeFd, buf[:])
}

// Close releases the epoll instance and the eventfd.
func (p *Poller) Close() {
	unix.Close(p.wakeFd)
	unix.Close(p.epfd)
}
