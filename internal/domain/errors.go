package domain

import "errors"

var (
	// ErrConstruction reports an object that could not be built; it is not
	// usable afterwards.
	ErrConstruction = errors.New("construction failed")
	// ErrStart reports a second Start or a Start after shutdown.
	ErrStart = errors.New("start failed")
	// ErrIncompatibleArgs is returned by a backend that cannot serve the
	// given configuration; it is the only error a fallback backend reacts to.
	ErrIncompatibleArgs = errors.New("incompatible construction arguments")
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrIdleTimeout      = errors.New("idle timeout")
	// ErrUnexpected wraps failures that escaped the pump's own handling.
	ErrUnexpected = errors.New("unexpected forwarder failure")
	// ErrConflict reports a listen address owned by a live listener.
	ErrConflict = errors.New("address owned by a live listener")
)
