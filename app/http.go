// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/creachadair/pingnode/counter"
	"github.com/creachadair/pingnode/message"
	"github.com/google/uuid"
)

// maxBodyBytes bounds the size of an API request body.
const maxBodyBytes = 1 << 20

// RequestIDHeader is the response header carrying the identifier assigned to
// each API request.
const RequestIDHeader = "X-Request-Id"

// API method names accepted by ServeHTTP.
const (
	MethodGetCounters = "GetCounters"
	MethodPingHTTP    = "PingHttp"
	MethodSendMessage = "SendMessage"
)

// ServeHTTP implements the external API. The request is a POST whose body is
// a JSON object with one key naming the method, whose value holds the
// parameters:
//
//	{"PingHttp": {"message": "hello"}}
//
// The parameters may also be given as a JSON string containing the encoded
// object. A successful reply is the counter snapshot as JSON. A failure is
// {"error": "text"}.
func (p *Process) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.New().String()
	w.Header().Set(RequestIDHeader, id)
	log := p.log.With().Str("requestID", id).Logger()

	method, status := "", http.StatusOK
	defer func() {
		log.Info().Str("method", method).Int("status", status).
			Dur("elapsed", time.Since(start)).Msg("api request")
		if p.mx != nil {
			p.mx.HTTPRequests.WithLabelValues(methodLabel(method), strconv.Itoa(status)).Inc()
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorBody{Error: "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status = http.StatusRequestEntityTooLarge
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	var snap counter.Snapshot
	method, snap, err = p.call(r, body)
	if err != nil {
		status = statusOf(err)
		log.Debug().Err(err).Msg("api error")
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, status, snap)
}

// call decodes and runs one API request.
func (p *Process) call(r *http.Request, body []byte) (string, counter.Snapshot, error) {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return "", counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid request: %v", err)
	} else if len(req) != 1 {
		return "", counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid request: want one method, got %d", len(req))
	}
	var method string
	var params json.RawMessage
	for k, v := range req {
		method, params = k, v
	}
	params, err := unquoteParams(params)
	if err != nil {
		return method, counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid %s parameters: %v", method, err)
	}

	switch method {
	case MethodGetCounters:
		return method, p.Counters(), nil

	case MethodPingHTTP:
		snap, err := p.PingHTTP(params)
		return method, snap, err

	case MethodSendMessage:
		var sreq message.SendMessageRequest
		if err := json.Unmarshal(params, &sreq); err != nil {
			return method, counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid send request: %v", err)
		}
		snap, err := p.SendMessage(r.Context(), sreq)
		return method, snap, err

	case message.PingLocal.String(), message.PingRemote.String():
		// These are delivered only by other processes.
		return method, counter.Snapshot{}, message.Errorf(message.KindValidation, "method %q is not available over HTTP", method)
	}
	return method, counter.Snapshot{}, message.Errorf(message.KindValidation, "unknown method %q", method)
}

// unquoteParams returns the JSON text encoded in params if params is a JSON
// string, or params unchanged otherwise. An empty string yields "{}".
func unquoteParams(params json.RawMessage) (json.RawMessage, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || params[0] != '"' {
		return params, nil
	}
	var s string
	if err := json.Unmarshal(params, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(s), nil
}

// methodLabel bounds the metric labels generated by client-chosen names.
func methodLabel(method string) string {
	switch method {
	case MethodGetCounters, MethodPingHTTP, MethodSendMessage:
		return method
	case "":
		return "none"
	}
	return "other"
}

type errorBody struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch message.KindOf(err) {
	case message.KindDecode, message.KindValidation, message.KindLogic:
		return http.StatusBadRequest
	case message.KindTimeout:
		return http.StatusGatewayTimeout
	case message.KindTransport, message.KindRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = fmt.Appendf(nil, `{"error":%q}`, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}
