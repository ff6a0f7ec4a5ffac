//go:build !linux && !windows

package poller

func NewEvent() (Event, error) { return nil, ErrNotSupported }

func New() (Waiter, error) { return nil, ErrNotSupported }
