// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package message_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/pingnode/counter"
	"github.com/creachadair/pingnode/message"
	"github.com/google/go-cmp/cmp"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", message.Placeholder},
		{"   ", message.Placeholder},
		{"\t\n", message.Placeholder},
		{"hi", "hi"},
		{"  hi there  ", "hi there"},
		{"err", "err"},
	}
	for _, tc := range tests {
		if got := message.Normalize(tc.input); got != tc.want {
			t.Errorf("Normalize(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestPayload(t *testing.T) {
	t.Run("Encode", func(t *testing.T) {
		for _, tc := range []struct {
			p    message.Payload
			want string
		}{
			{message.Payload{Variant: message.PingLocal, Message: "hi"}, `{"PingLocal":"hi"}`},
			{message.Payload{Variant: message.PingRemote, Message: `say "x"`}, `{"PingRemote":"say \"x\""}`},
			{message.Payload{Variant: message.PingRemote}, `{"PingRemote":""}`},
		} {
			got, err := json.Marshal(tc.p)
			if err != nil {
				t.Errorf("Marshal %+v: unexpected error: %v", tc.p, err)
			} else if string(got) != tc.want {
				t.Errorf("Marshal %+v: got %s, want %s", tc.p, got, tc.want)
			}
		}
		if got, err := json.Marshal(message.Payload{Message: "x"}); err == nil {
			t.Errorf("Marshal zero variant: got %s, want error", got)
		}
	})

	t.Run("Decode", func(t *testing.T) {
		for _, tc := range []struct {
			input string
			want  message.Payload
		}{
			{`{"PingLocal":"hi"}`, message.Payload{Variant: message.PingLocal, Message: "hi"}},
			{` { "PingRemote" : "there" } `, message.Payload{Variant: message.PingRemote, Message: "there"}},
		} {
			var got message.Payload
			if err := json.Unmarshal([]byte(tc.input), &got); err != nil {
				t.Errorf("Unmarshal %s: unexpected error: %v", tc.input, err)
			} else if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Unmarshal %s (-want, +got):\n%s", tc.input, diff)
			}
		}
	})

	t.Run("DecodeBad", func(t *testing.T) {
		for _, input := range []string{
			``,
			`null`,
			`"PingLocal"`,
			`{}`,
			`{"PingLocal":"a","PingRemote":"b"}`,
			`{"PingHttp":"a"}`,
			`{"PingLocal":17}`,
			`{"PingLocal":{"message":"a"}}`,
			`[{"PingLocal":"a"}]`,
		} {
			var got message.Payload
			if err := json.Unmarshal([]byte(input), &got); err == nil {
				t.Errorf("Unmarshal %#q: got %+v, want error", input, got)
			} else {
				t.Logf("Unmarshal %#q: %v [OK]", input, err)
			}
		}
	})
}

func TestParseVariant(t *testing.T) {
	for _, v := range []message.Variant{message.PingLocal, message.PingRemote} {
		got, err := message.ParseVariant(v.String())
		if err != nil || got != v {
			t.Errorf("ParseVariant(%q): got (%v, %v), want %v", v.String(), got, err, v)
		}
	}
	if v, err := message.ParseVariant("pinglocal"); err == nil {
		t.Errorf("ParseVariant(pinglocal): got %v, want error", v)
	}
}

func ptr(s string) *string { return &s }

func TestResult(t *testing.T) {
	snap := counter.Snapshot{LocalCount: 2, LocalLastMessage: ptr("hey")}

	t.Run("Ok", func(t *testing.T) {
		data, err := json.Marshal(message.OK(snap))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		const want = `{"Ok":{"http_count":0,"http_last_message":null,"local_count":2,"local_last_message":"hey","remote_count":0,"remote_last_message":null}}`
		if string(data) != want {
			t.Errorf("Marshal: got %s, want %s", data, want)
		}

		var r message.Result
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got, err := r.Unpack()
		if err != nil {
			t.Fatalf("Unpack: unexpected error: %v", err)
		}
		if diff := cmp.Diff(snap, got); diff != "" {
			t.Errorf("Unpack (-want, +got):\n%s", diff)
		}
	})

	t.Run("Err", func(t *testing.T) {
		data, err := json.Marshal(message.Failed("Simulated error"))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if got, want := string(data), `{"Err":"Simulated error"}`; got != want {
			t.Errorf("Marshal: got %s, want %s", got, want)
		}

		var r message.Result
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		_, err = r.Unpack()
		var merr *message.Error
		if !errors.As(err, &merr) {
			t.Fatalf("Unpack: got %v, want *message.Error", err)
		}
		if merr.Kind != message.KindRemote || merr.Error() != "Simulated error" {
			t.Errorf("Unpack: got %v %q, want remote %q", merr.Kind, merr.Error(), "Simulated error")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if data, err := json.Marshal(message.Result{}); err == nil {
			t.Errorf("Marshal empty: got %s, want error", data)
		}
		if data, err := json.Marshal(message.Result{Ok: &snap, Err: ptr("x")}); err == nil {
			t.Errorf("Marshal both: got %s, want error", data)
		}
		for _, input := range []string{
			`{}`,
			`{"ok":{}}`,
			`{"Ok":{},"Err":"x"}`,
			`{"Err":12}`,
			`{"Ok":"nope"}`,
			`"Ok"`,
		} {
			var r message.Result
			if err := json.Unmarshal([]byte(input), &r); err == nil {
				t.Errorf("Unmarshal %#q: got %+v, want error", input, r)
			}
		}
		if _, err := (message.Result{}).Unpack(); message.KindOf(err) != message.KindDecode {
			t.Errorf("Unpack empty: got %v, want decode error", err)
		}
	})
}

func TestRequests(t *testing.T) {
	t.Run("Ping", func(t *testing.T) {
		for _, tc := range []struct {
			input, want string
		}{
			{`{"message":"hi"}`, "hi"},
			{`{"message":null}`, ""},
			{`{}`, ""},
		} {
			var req message.PingRequest
			if err := json.Unmarshal([]byte(tc.input), &req); err != nil {
				t.Errorf("Unmarshal %s: %v", tc.input, err)
			} else if got := req.Text(); got != tc.want {
				t.Errorf("Unmarshal %s: got %q, want %q", tc.input, got, tc.want)
			}
		}
	})

	t.Run("Send", func(t *testing.T) {
		var req message.SendMessageRequest
		const input = `{"mode":"remote-mismatch","message":"yo","target_node":"  bob.os "}`
		if err := json.Unmarshal([]byte(input), &req); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if req.Mode != message.ModeRemoteMismatch {
			t.Errorf("Mode: got %q, want %q", req.Mode, message.ModeRemoteMismatch)
		}
		if got := req.Target(); got != "bob.os" {
			t.Errorf("Target: got %q, want bob.os", got)
		}
		if got := (message.SendMessageRequest{}).Target(); got != "" {
			t.Errorf("Empty target: got %q, want empty", got)
		}
	})
}

func TestError(t *testing.T) {
	err := fmt.Errorf("outer: %w", message.Errorf(message.KindValidation, "bad %s", "input"))
	if got := message.KindOf(err); got != message.KindValidation {
		t.Errorf("KindOf: got %v, want %v", got, message.KindValidation)
	}
	if got := message.KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf plain: got %v, want 0", got)
	}
	var merr *message.Error
	if errors.As(err, &merr) && merr.Error() != "bad input" {
		t.Errorf("Error text: got %q, want %q", merr.Error(), "bad input")
	}
	for k, want := range map[message.Kind]string{
		message.KindDecode:  "decode",
		message.KindTimeout: "timeout",
		message.KindRemote:  "remote",
		message.Kind(99):    "Kind(99)",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind %d: got %q, want %q", int(k), got, want)
		}
	}
}
