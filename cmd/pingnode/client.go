// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/pingnode/app"
	"github.com/creachadair/pingnode/message"
)

func runCounters(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	return callAPI(env, app.MethodGetCounters, struct{}{})
}

func runPing(env *command.Env) error {
	msg := strings.Join(env.Args, " ")
	return callAPI(env, app.MethodPingHTTP, message.PingRequest{Message: &msg})
}

func runSend(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Wrong number of arguments")
	}
	req := message.SendMessageRequest{Mode: message.Mode(env.Args[0]), Message: env.Args[1]}
	if len(env.Args) == 3 {
		req.TargetNode = &env.Args[2]
	}
	return callAPI(env, app.MethodSendMessage, req)
}

// callAPI posts a request for method with the given parameters to the node
// named by --server, and prints the reply.
func callAPI(env *command.Env, method string, params any) error {
	body, err := json.Marshal(map[string]any{method: params})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(flags.Server, "/") + "/api"
	req, err := http.NewRequestWithContext(env.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		return err
	}
	if rsp.StatusCode != http.StatusOK {
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", eb.Error, rsp.StatusCode)
		}
		return fmt.Errorf("%s: %s", rsp.Status, bytes.TrimSpace(data))
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err := os.Stdout.Write(data)
		return err
	}
	_, err = out.WriteTo(os.Stdout)
	return err
}
