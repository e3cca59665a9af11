package connectivity

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// InterfaceWatcher reports operating system network changes to a Monitor. It
// polls the interface list and signals when the presence of an up, non-loopback
// interface changes.
type InterfaceWatcher struct {
	m        *Monitor
	interval time.Duration
	log      *zap.Logger

	// Up reports whether a usable interface exists. Replaceable in tests.
	Up func() (bool, error)
}

// NewInterfaceWatcher creates a watcher feeding m.
func NewInterfaceWatcher(m *Monitor, interval time.Duration, log *zap.Logger) *InterfaceWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InterfaceWatcher{m: m, interval: interval, log: log, Up: HasUsableInterface}
}

// Run polls until ctx ends. The first observation only signals when no usable
// interface exists; later observations signal on every change.
func (w *InterfaceWatcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	first := true
	var last bool
	for {
		up, err := w.Up()
		switch {
		case err != nil:
			w.log.Debug("list interfaces", zap.Error(err))
		case first:
			if !up {
				w.m.Set(false, SourceSystem)
			}
			first, last = false, up
		case up != last:
			last = up
			w.m.Set(up, SourceSystem)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// HasUsableInterface reports whether any non-loopback interface is up and has an address.
func HasUsableInterface() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
