package peers

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetry is the interval between connection attempts used when a
// Dialer has none.
const DefaultRetry = 5 * time.Second

// A Dialer keeps a Mesh connected to a set of peer addresses, redialing any
// address whose connection has ended.
type Dialer struct {
	Mesh *Mesh

	// Retry is the interval between connection attempts.
	Retry time.Duration

	// Timeout bounds each connection attempt. If zero, Retry is used.
	Timeout time.Duration

	// OnChange, if set, is called with the number of connected nodes after
	// each round of connection attempts.
	OnChange func(int)

	Logger zerolog.Logger

	μ     sync.Mutex
	addrs []string
	node  map[string]string // addr → node name
	kick  chan struct{}
}

// SetAddrs replaces the set of addresses d connects to. Connections to
// addresses no longer in the set are left open.
func (d *Dialer) SetAddrs(addrs []string) {
	d.μ.Lock()
	d.addrs = slices.Clone(addrs)
	kick := d.kickLocked()
	d.μ.Unlock()
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (d *Dialer) kickLocked() chan struct{} {
	if d.kick == nil {
		d.kick = make(chan struct{}, 1)
	}
	return d.kick
}

func (d *Dialer) retry() time.Duration {
	if d.Retry > 0 {
		return d.Retry
	}
	return DefaultRetry
}

// Run connects to the configured addresses until ctx ends.
func (d *Dialer) Run(ctx context.Context) error {
	d.μ.Lock()
	kick := d.kickLocked()
	d.μ.Unlock()

	t := time.NewTicker(d.retry())
	defer t.Stop()
	for {
		d.connectAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-kick:
		}
	}
}

// connectAll dials each address that does not have a live connection.
func (d *Dialer) connectAll(ctx context.Context) {
	d.μ.Lock()
	addrs := slices.Clone(d.addrs)
	if d.node == nil {
		d.node = make(map[string]string)
	}
	d.μ.Unlock()

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = d.retry()
	}
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		d.μ.Lock()
		name, ok := d.node[addr]
		d.μ.Unlock()
		if ok {
			if _, live := d.Mesh.Lookup(name); live {
				continue
			}
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		name, err := d.Mesh.Connect(cctx, addr)
		cancel()
		if err != nil {
			d.Logger.Debug().Err(err).Str("addr", addr).Msg("connect failed")
			continue
		}
		d.Logger.Info().Str("addr", addr).Str("peer", name).Msg("connected")
		d.μ.Lock()
		d.node[addr] = name
		d.μ.Unlock()
	}
	if d.OnChange != nil {
		d.OnChange(len(d.Mesh.Nodes()))
	}
}
