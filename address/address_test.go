// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package address_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/creachadair/pingnode/address"
	"github.com/google/go-cmp/cmp"
)

var self = address.Address{
	Node:    "alice.os",
	Process: address.ProcessID{Process: "counter", Package: "pingnode", Publisher: "example.os"},
}

func TestParse(t *testing.T) {
	const text = "alice.os@counter:pingnode:example.os"
	got, err := address.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): unexpected error: %v", text, err)
	}
	if got != self {
		t.Errorf("Parse(%q): got %+v, want %+v", text, got, self)
	}
	if s := got.String(); s != text {
		t.Errorf("String: got %q, want %q", s, text)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}

	for _, bad := range []string{
		"",
		"alice.os",
		"@counter:pingnode:example.os",
		"alice.os@counter:pingnode",
		"alice.os@counter:pingnode:example.os:extra",
		"alice.os@counter::example.os",
		"alice os@counter:pingnode:example.os",
		"a@b@counter:pingnode:example.os",
		strings.Repeat("n", address.MaxLen+1) + "@counter:pingnode:example.os",
	} {
		if a, err := address.Parse(bad); err == nil {
			t.Errorf("Parse(%q): got %+v, want error", bad, a)
		}
	}
}

func TestParseProcess(t *testing.T) {
	got, err := address.ParseProcess("counter:pingnode:example.os")
	if err != nil {
		t.Fatalf("ParseProcess: unexpected error: %v", err)
	}
	if diff := cmp.Diff(self.Process, got); diff != "" {
		t.Errorf("ParseProcess (-want, +got):\n%s", diff)
	}
	if p, err := address.ParseProcess("counter"); err == nil {
		t.Errorf("ParseProcess: got %+v, want error", p)
	}

	// The text form must fit a protocol method name.
	long := strings.Repeat("p", address.MaxLen-len(":pingnode:example.os"))
	if _, err := address.ParseProcess(long + ":pingnode:example.os"); err != nil {
		t.Errorf("ParseProcess at MaxLen: unexpected error: %v", err)
	}
	if p, err := address.ParseProcess(long + "x:pingnode:example.os"); err == nil {
		t.Errorf("ParseProcess over MaxLen: got %+v, want error", p)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		target, want string
	}{
		{"", "alice.os"},
		{"   ", "alice.os"},
		{"alice.os", "alice.os"},
		{"bob.os", "bob.os"},
		{"  bob.os\t", "bob.os"},
	}
	for _, tc := range tests {
		got := address.Resolve(self, tc.target)
		want := address.Address{Node: tc.want, Process: self.Process}
		if got != want {
			t.Errorf("Resolve(%q): got %v, want %v", tc.target, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	bad := address.Address{Node: "x", Process: address.ProcessID{Process: "a:b", Package: "c", Publisher: "d"}}
	if err := bad.Validate(); err == nil {
		t.Errorf("Validate %v: got nil, want error", bad)
	}
}

func TestProcessIDText(t *testing.T) {
	pid := address.ProcessID{Process: "counter", Package: "pingnode", Publisher: "example.os"}
	data, err := json.Marshal(map[string]address.ProcessID{"pid": pid})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(data), `{"pid":"counter:pingnode:example.os"}`; got != want {
		t.Errorf("Marshal: got %s, want %s", got, want)
	}
	var back map[string]address.ProcessID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["pid"] != pid {
		t.Errorf("Unmarshal: got %v, want %v", back["pid"], pid)
	}
	if err := json.Unmarshal([]byte(`{"pid":"counter"}`), &back); err == nil {
		t.Error("Unmarshal of an invalid identifier: got nil, want error")
	}
}
