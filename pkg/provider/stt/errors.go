package stt

import "errors"

// ErrNotSupported is wrapped by providers for capabilities they do not
// implement, such as mid-session keyword updates.
var ErrNotSupported = errors.New("stt: not supported")
