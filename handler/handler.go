// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the pingnode.Handler type for
// functions with other signatures.
//
// Parameters may be []byte or string, a type whose pointer implements
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler, or any other type,
// which is decoded from JSON.
//
// Results may be []byte or string, a type implementing
// encoding.BinaryMarshaler or encoding.TextMarshaler, or any other type,
// which is encoded as JSON.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/creachadair/pingnode"
)

type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has none. Contexts passed to functions adapted by this package have
// this value.
func ContextRequest(ctx context.Context) *pingnode.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*pingnode.Request)
	}
	return nil
}

// ParamResultError adapts f, which accepts a P and returns an R or an error,
// to a pingnode.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) pingnode.Handler {
	return func(ctx context.Context, req *pingnode.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts f, which accepts a P and returns an R without error, to
// a pingnode.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) pingnode.Handler {
	return func(ctx context.Context, req *pingnode.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		return marshal(f(context.WithValue(ctx, reqContextKey{}, req), p))
	}
}

// ResultError adapts f, which accepts no parameters and returns an R or an
// error, to a pingnode.Handler.
func ResultError[R any](f func(context.Context) (R, error)) pingnode.Handler {
	return func(ctx context.Context, req *pingnode.Request) ([]byte, error) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
	}
	return nil
}

// marshal encodes v. A nil *string or *[]byte encodes as nil.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return json.Marshal(v)
	}
}
