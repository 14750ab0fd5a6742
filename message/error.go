// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package message

import (
	"errors"
	"fmt"
)

// Kind classifies the failure reported by an Error.
type Kind int

const (
	KindDecode     Kind = iota + 1 // input could not be parsed
	KindValidation                 // input was well-formed but not acceptable
	KindLogic                      // the handler refused the request
	KindTimeout                    // no reply arrived before the deadline
	KindTransport                  // the request could not be delivered
	KindRemote                     // the receiver replied with an error
)

var kindNames = [...]string{
	KindDecode:     "decode",
	KindValidation: "validation",
	KindLogic:      "logic",
	KindTimeout:    "timeout",
	KindTransport:  "transport",
	KindRemote:     "remote",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete type of errors reported by counter operations.
// The text of an Error is its Message, so that an error text received from
// another process is passed along unchanged.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// KindOf reports the kind of the first *Error in the chain of err, or 0 if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
