//go:build linux

package poll

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Notifier is a non-blocking eventfd. Any goroutine may Signal it; the
// owner registers Fd with a Poller and calls Drain when it fires.
type Notifier struct {
	fd int
}

// NewNotifier creates a non-blocking, close-on-exec eventfd.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Notifier{fd: fd}, nil
}

// Fd returns the descriptor to register for EventRead.
func (n *Notifier) Fd() int {
	return n.fd
}

// Signal increments the eventfd counter. A saturated counter still
// leaves the descriptor readable, so EAGAIN is not an error.
func (n *Notifier) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return err
		}
	}
}

// Drain reads and resets the counter, returning the number of signals
// collected since the last Drain.
func (n *Notifier) Drain() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		switch {
		case err == nil:
			return binary.NativeEndian.Uint64(buf[:]), nil
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return 0, err
		}
	}
}

// Close releases the eventfd.
func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}

// Timer is a one-shot monotonic timerfd.
type Timer struct {
	fd int
}

// NewTimer arms a timer that becomes readable once d has elapsed.
func NewTimer(d time.Duration) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		// a zero it_value disarms the timer
		d = time.Nanosecond
	}
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the descriptor to register for EventRead.
func (t *Timer) Fd() int {
	return t.fd
}

// Close disarms and releases the timer.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
