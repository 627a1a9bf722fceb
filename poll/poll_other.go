//go:build !linux

package poll

import "time"

type Poller struct{}

func New() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Add(int, Events) error { return ErrUnsupported }

func (p *Poller) Modify(int, Events) error { return ErrUnsupported }

func (p *Poller) Remove(int) error { return ErrUnsupported }

func (p *Poller) Wait([]Event, time.Duration) (int, error) { return 0, ErrUnsupported }

func (p *Poller) Wake() error { return ErrUnsupported }

func (p *Poller) Close() error { return nil }

type Notifier struct{}

func NewNotifier() (*Notifier, error) { return nil, ErrUnsupported }

func (n *Notifier) Fd() int { return -1 }

func (n *Notifier) Signal() error { return ErrUnsupported }

func (n *Notifier) Drain() (uint64, error) { return 0, ErrUnsupported }

func (n *Notifier) Close() error { return nil }

type Timer struct{}

func NewTimer(time.Duration) (*Timer, error) { return nil, ErrUnsupported }

func (t *Timer) Fd() int { return -1 }

func (t *Timer) Close() error { return nil }
