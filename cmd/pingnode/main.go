// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program pingnode runs and talks to ping counter nodes.
package main

import (
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Config string `flag:"config,Configuration file (YAML or JSON)"`
	Server string `flag:"server,default=http://localhost:8080,Base URL of the node HTTP API"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Run and interact with ping counter nodes.

Each node hosts a counter process that records messages on three channels:
HTTP pings from outside, local pings from a process on the same node, and
remote pings from a process on another node.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--node name] [--http addr] [--listen addr] [--peers addr,...]",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name: "counters",
				Help: "Print the counters of the node.",
				Run:  runCounters,
			},
			{
				Name:  "ping",
				Usage: "[message...]",
				Help:  "Send an HTTP ping to the node.\n\nThe arguments are joined with spaces to form the message.",
				Run:   runPing,
			},
			{
				Name:  "send",
				Usage: "<mode> <message> [target-node]",
				Help: `Ask the node to send a ping from its process.

The mode is one of:

  local            : ping the process on the same node
  remote           : ping the process on target-node (default: the same node)
  remote-mismatch  : send a local ping to the process on target-node`,
				Run: runSend,
			},
			{
				Name:     "pack",
				Usage:    "<pattern> <argument>...",
				Help:     packHelp,
				SetFlags: command.Flags(flax.MustBind, &packFlags),
				Run:      runPack,
			},
			{
				Name: "dump",
				Help: "Decode protocol packets from stdin and print them.",
				Run:  runDump,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
