// Package poll is the readiness multiplexer consumed by the cosched
// event loop. On Linux it binds epoll for readiness, eventfd for
// cross-thread notification and timerfd for one-shot timers. Other
// platforms get constructors that fail with ErrUnsupported.
package poll

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned by every constructor on platforms
// without an epoll binding.
var ErrUnsupported = errors.New("poll: unsupported platform")

// ErrClosed is returned when a closed Poller is used.
var ErrClosed = errors.New("poll: poller closed")

// Events is a readiness interest or fired-event mask.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		bit  Events
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
	} {
		if e&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is one fired readiness notification.
type Event struct {
	Fd     int
	Events Events
}
