package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMulticast is wrapped by JoinError when the group address is not
	// an IPv4 multicast address.
	ErrNotMulticast = errors.New("not an IPv4 multicast address")

	// ErrAlreadyStarted is returned by Start on a receiver that has been
	// started before. Receivers are single use.
	ErrAlreadyStarted = errors.New("receiver already started")
)

// BindError reports that the receive socket could not be created or bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// JoinError reports that multicast group membership could not be established.
type JoinError struct {
	Group     string
	Interface string
	Err       error
}

func (e *JoinError) Error() string {
	if e.Interface != "" {
		return fmt.Sprintf("join group %s on %s: %v", e.Group, e.Interface, e.Err)
	}
	return fmt.Sprintf("join group %s: %v", e.Group, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
