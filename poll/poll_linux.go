//go:build linux

package poll

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller multiplexes file-descriptor readiness over epoll. Add,
// Remove and Wait belong to the event-loop goroutine; Wake may be
// called from any goroutine.
type Poller struct {
	epfd   int
	wake   *Notifier
	raw    []unix.EpollEvent
	mu     sync.Mutex
	closed bool
}

// New creates an epoll instance with an internal wake notifier.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wake, err := NewNotifier()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &Poller{epfd: epfd, wake: wake}
	if err := p.Add(wake.Fd(), EventRead); err != nil {
		_ = wake.Close()
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add registers fd for the given interest. Registration is
// level-triggered.
func (p *Poller) Add(fd int, events Events) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest of an already registered fd.
func (p *Poller) Modify(fd int, events Events) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeout (negative waits forever) and fills events
// with fired notifications. Wake-ups are consumed internally and never
// reported. An interrupted wait reports zero events.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("poll: empty event buffer")
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for _, ev := range raw[:n] {
		if int(ev.Fd) == p.wake.Fd() {
			_, _ = p.wake.Drain()
			continue
		}
		events[out] = Event{Fd: int(ev.Fd), Events: fromEpoll(ev.Events)}
		out++
	}
	return out, nil
}

// Wake interrupts a blocked Wait. Safe from any goroutine.
func (p *Poller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.wake.Signal()
}

// Close releases the epoll instance and the wake notifier.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return errors.Join(p.wake.Close(), unix.Close(p.epfd))
}

func toEpoll(e Events) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(e uint32) Events {
	var out Events
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= EventHangup
	}
	return out
}
