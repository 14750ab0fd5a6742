// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package address defines the names of processes and the nodes that host
// them.
//
// The text form of an address is
//
//	node@process:package:publisher
//
// where the part after "@" is the process identifier. Two addresses are equal
// when all four parts are equal.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLen is the longest text form of a node name or process identifier.
// Both are carried in protocol fields with a one-byte length.
const MaxLen = 255

// A ProcessID names a process independent of the node that runs it.
type ProcessID struct {
	Process   string
	Package   string
	Publisher string
}

// String returns the text form of p, "process:package:publisher".
func (p ProcessID) String() string {
	return p.Process + ":" + p.Package + ":" + p.Publisher
}

// MarshalText implements encoding.TextMarshaler.
func (p ProcessID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProcessID) UnmarshalText(text []byte) error {
	v, err := ParseProcess(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProcess parses the text form of a process identifier.
func ParseProcess(s string) (ProcessID, error) {
	if len(s) > MaxLen {
		return ProcessID{}, fmt.Errorf("process id is too long (%d > %d bytes)", len(s), MaxLen)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ProcessID{}, fmt.Errorf("invalid process id %q: want process:package:publisher", s)
	}
	for _, p := range parts {
		if err := checkPart(p); err != nil {
			return ProcessID{}, fmt.Errorf("invalid process id %q: %w", s, err)
		}
	}
	return ProcessID{Process: parts[0], Package: parts[1], Publisher: parts[2]}, nil
}

// An Address names a process on a node.
type Address struct {
	Node    string
	Process ProcessID
}

// String returns the text form of a, "node@process:package:publisher".
func (a Address) String() string { return a.Node + "@" + a.Process.String() }

// Parse parses the text form of an address.
func Parse(s string) (Address, error) {
	node, proc, ok := strings.Cut(s, "@")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q: missing @", s)
	}
	if err := checkPart(node); err != nil {
		return Address{}, fmt.Errorf("invalid address %q: node: %w", s, err)
	}
	pid, err := ParseProcess(proc)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{Node: node, Process: pid}, nil
}

// Validate reports an error if a could not round-trip through its text form.
func (a Address) Validate() error {
	_, err := Parse(a.String())
	return err
}

func checkPart(s string) error {
	switch {
	case s == "":
		return errors.New("empty name")
	case len(s) > MaxLen:
		return fmt.Errorf("name is too long (%d > %d bytes)", len(s), MaxLen)
	case strings.ContainsAny(s, "@: \t\r\n"):
		return fmt.Errorf("name %q contains a reserved character", s)
	}
	return nil
}

// Resolve returns the address of the process identified by self on the
// target node. A target that is empty after trimming space names the node of
// self. The process identity of the result is always that of self.
func Resolve(self Address, target string) Address {
	node := strings.TrimSpace(target)
	if node == "" {
		node = self.Node
	}
	return Address{Node: node, Process: self.Process}
}
