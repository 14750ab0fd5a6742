// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/app"
	"github.com/creachadair/pingnode/catalog"
	"github.com/creachadair/pingnode/config"
	"github.com/creachadair/pingnode/counter"
	"github.com/creachadair/pingnode/dispatch"
	"github.com/creachadair/pingnode/metrics"
	"github.com/creachadair/pingnode/peers"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var serveFlags struct {
	Node   string `flag:"node,Node name (overrides config)"`
	HTTP   string `flag:"http,HTTP listen address (overrides config)"`
	Listen string `flag:"listen,Peer protocol listen address (overrides config)"`
	Peers  string `flag:"peers,Comma-separated peer addresses to connect to"`
}

const serveHelp = `Run a node.

The node serves its HTTP API at /api, accepts peer connections over
WebSocket at /peer and, if a listen address is set, over TCP or a Unix
socket. Prometheus metrics are at /metrics and protocol counters at
/debug/vars. The processes hosted by this node and its peers are listed at
/nodes.

Settings come from --config, then PINGNODE_* environment variables, then
flags. While the node runs, changes to the peer list in the config file are
applied without a restart.`

func runServe(env *command.Env) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	self, err := cfg.Self()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mx := metrics.New(cfg.Node, reg)

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	mesh := peers.NewMesh(cfg.Node, nil, log)
	defer mesh.Close()
	proc := app.New(app.Config{
		Self:  self,
		Store: store,
		Dispatcher: &dispatch.Dispatcher{
			Transport: mesh,
			Timeout:   cfg.Timeout.Std(),
			Logger:    log,
			Metrics:   mx,
		},
		Logger:  log,
		Metrics: mx,
	})
	proc.Register(mesh.Base())
	catalog.Register(cfg.Node, mesh.Base())
	expvar.Publish("pingnode", mesh.Base().Metrics())

	ws := peers.NewWebSocketAccepter()
	defer ws.Close()

	mux := http.NewServeMux()
	mux.Handle("/api", proc)
	mux.Handle("/peer", ws)
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		nodes := append([]string{cfg.Node}, mesh.Nodes()...)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(catalog.Survey(r.Context(), mesh, nodes, cfg.Timeout.Std()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok %s peers=%d\n", self, len(mesh.Nodes()))
	})
	srv := &http.Server{
		Addr:              cfg.HTTP,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	dialer := &peers.Dialer{
		Mesh:     mesh,
		Timeout:  cfg.Timeout.Std(),
		OnChange: func(n int) { mx.PeersConnected.Set(float64(n)) },
		Logger:   log,
	}
	dialer.SetAddrs(cfg.Peers)

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP).Stringer("self", self).Msg("serving HTTP")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return peers.Loop(ctx, ws, mesh.Serve) })
	if cfg.Listen != "" {
		lst, err := net.Listen(pingnode.SplitAddress(cfg.Listen))
		if err != nil {
			cancel()
			srv.Close()
			g.Wait()
			return fmt.Errorf("listen: %w", err)
		}
		log.Info().Str("addr", cfg.Listen).Msg("accepting peers")
		g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), mesh.Serve) })
	}
	g.Go(func() error { return dialer.Run(ctx) })
	if flags.Config != "" {
		g.Go(func() error {
			return config.Watch(ctx, flags.Config, log, func(c *config.Config) {
				dialer.SetAddrs(mergePeers(c.Peers, splitList(serveFlags.Peers)))
			})
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	ws.Close()
	return g.Wait()
}

// loadServeConfig loads the configuration and applies serve flags over it.
func loadServeConfig() (*config.Config, error) {
	cfg, err := config.Read(flags.Config)
	if err != nil {
		return nil, err
	}
	if serveFlags.Node != "" {
		cfg.Node = serveFlags.Node
	}
	if serveFlags.HTTP != "" {
		cfg.HTTP = serveFlags.HTTP
	}
	if serveFlags.Listen != "" {
		cfg.Listen = serveFlags.Listen
	}
	cfg.Peers = mergePeers(cfg.Peers, splitList(serveFlags.Peers))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mergePeers(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

// openStore constructs the counter store, restoring state from the
// configured state file if there is one.
func openStore(cfg *config.Config, log zerolog.Logger) (*counter.Store, error) {
	opts := counter.Options{Logger: log}
	if cfg.StateFile != "" {
		snap, err := counter.LoadFile(cfg.StateFile)
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		opts.Initial = snap
		opts.Saver = counter.FileSaver{Path: cfg.StateFile}
		log.Info().Str("path", cfg.StateFile).Msg("counter state restored")
	}
	return counter.New(opts), nil
}
