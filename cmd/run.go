package cmd

import (
	"context"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowgate/internal/audit"
	"grimm.is/flowgate/internal/brand"
	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/dataplane"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/health"
	"grimm.is/flowgate/internal/hook"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/vpn"
)

// daemon holds the running pipeline and everything attached to it.
type daemon struct {
	configFile string
	p          *dataplane.Pipeline
	logger     *logging.Logger
	injector   *dataplane.Injector
	tunnels    map[string]tunnelSocket
	health     *health.Checker

	// Cleanup functions to call on shutdown
	cleanupFuncs []func()
}

type tunnelSocket struct {
	t    *vpn.UDPTransport
	port int
}

func (d *daemon) addCleanup(fn func()) {
	d.cleanupFuncs = append(d.cleanupFuncs, fn)
}

// Shutdown calls the cleanup functions in reverse order.
func (d *daemon) Shutdown() {
	for i := len(d.cleanupFuncs) - 1; i >= 0; i-- {
		d.cleanupFuncs[i]()
	}
	d.cleanupFuncs = nil
}

// RunDaemon runs the pipeline in the foreground until SIGINT or SIGTERM.
// SIGHUP re-reads configFile and applies its tables.
func RunDaemon(configFile string) error {
	cfg, warnings, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, closer, err := cfg.Logging.BuildLogger(os.Stderr)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "logging")
	}
	defer closer.Close()
	logging.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("configuration warning", "warning", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub()
	p, err := dataplane.NewFromConfig(cfg, dataplane.Options{
		Events:  hub,
		Logger:  logger,
		Metrics: metrics.Get(),
	})
	if err != nil {
		return err
	}

	d := &daemon{
		configFile: configFile,
		p:          p,
		logger:     logger.WithComponent("daemon"),
		tunnels:    make(map[string]tunnelSocket),
		health:     health.NewChecker(nil),
	}
	defer d.Shutdown()
	d.addCleanup(d.closeTunnels)

	d.watchEvents(ctx, hub)
	if err := d.startAudit(ctx, hub, cfg.Audit); err != nil {
		return err
	}
	p.Start(ctx)
	d.addCleanup(p.Stop)

	if err := d.syncTunnels(); err != nil {
		return err
	}
	if err := d.openIngress(ctx, cfg.NFQueue); err != nil {
		return err
	}
	d.registerChecks()
	if cfg.Metrics != nil {
		d.serveMetrics(cfg.Metrics)
	}

	if cleanup, err := writePIDFile(brand.PIDFile()); err != nil {
		d.logger.Warn("PID file not written", "error", err)
	} else {
		d.addCleanup(cleanup)
	}

	d.logger.Info("running", "config", configFile, "version", brand.Version)
	return d.loop(ctx)
}

// syncTunnels binds a UDP socket for every tunnel interface that lacks one
// and closes the sockets of interfaces that are gone. A socket whose
// listen port changed is rebound.
func (d *daemon) syncTunnels() error {
	want := make(map[string]int)
	for _, name := range d.p.VPN().Interfaces() {
		ic, err := d.p.VPN().Config(name)
		if err != nil {
			continue
		}
		want[name] = ic.ListenPort
	}

	for name, s := range d.tunnels {
		if port, ok := want[name]; ok && port == s.port {
			continue
		}
		d.p.AttachSender(name, nil)
		if err := s.t.Close(); err != nil {
			d.logger.Warn("tunnel socket close failed", "interface", name, "error", err)
		}
		delete(d.tunnels, name)
	}

	if len(want) > 0 && d.injector == nil {
		inj, err := dataplane.OpenInjector(dataplane.DefaultBypassMark)
		if err != nil {
			return err
		}
		d.injector = inj
		d.addCleanup(func() { inj.Close() })
	}

	for name, port := range want {
		if _, ok := d.tunnels[name]; ok {
			continue
		}
		addr := netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port))
		t, err := vpn.ListenUDP(d.p.VPN(), name, addr, d.receive)
		if err != nil {
			return err
		}
		if err := t.SetMark(dataplane.DefaultBypassMark); err != nil {
			d.logger.Warn("tunnel socket unmarked; steering may queue its datagrams", "interface", name, "error", err)
		}
		d.p.AttachSender(name, t)
		d.tunnels[name] = tunnelSocket{t: t, port: port}
	}
	return nil
}

// closeTunnels runs on shutdown, after the pipeline has stopped.
func (d *daemon) closeTunnels() {
	for name, s := range d.tunnels {
		d.p.AttachSender(name, nil)
		s.t.Close()
	}
	d.tunnels = nil
}

// receive hands a tunnel datagram to the pipeline and delivers what it
// accepts to the host.
func (d *daemon) receive(iface string, from netip.AddrPort, data []byte) {
	v, pkt := d.p.ProcessTunnel(iface, data)
	if v != hook.Accept || pkt == nil {
		return
	}
	if err := d.injector.Inject(pkt); err != nil {
		d.logger.Debug("tunnel delivery failed", "interface", iface, "from", from, "error", err)
	}
}

// openIngress binds the queue before steering traffic into it so no packet
// reaches a queue nobody listens on.
func (d *daemon) openIngress(ctx context.Context, q *config.NFQueueConfig) error {
	if q == nil {
		d.logger.Warn("no nfqueue block; only tunnel traffic is processed")
		return nil
	}

	queue, err := dataplane.OpenQueue(ctx, d.p, dataplane.QueueConfig{
		Num:      uint16(q.Queue),
		MaxLen:   uint32(q.MaxLen),
		FailOpen: q.FailOpen,
	})
	if err != nil {
		return err
	}
	d.addCleanup(func() { queue.Close() })

	if !q.Steer {
		return nil
	}
	steering, err := dataplane.Steer(dataplane.SteerConfig{
		Table:      q.Table,
		Queue:      uint16(q.Queue),
		FailOpen:   q.FailOpen,
		BypassMark: dataplane.DefaultBypassMark,
		Namespace:  q.Namespace,
	})
	if err != nil {
		return err
	}
	d.health.Register("steering", health.SteeringCheck(q.Table))
	d.addCleanup(func() {
		if err := steering.Remove(); err != nil {
			d.logger.Warn("failed to remove steering table", "table", q.Table, "error", err)
		}
	})
	return nil
}

func (d *daemon) serveMetrics(mc *config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.Handler())
	d.health.Mount(mux)
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		d.logger.Info("serving metrics and health", "addr", mc.Listen, "path", mc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", "error", err)
		}
	}()
	d.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

// startAudit records security events when an audit block is configured.
// The recorder subscribes before the pipeline starts so the first
// handshakes are kept.
func (d *daemon) startAudit(ctx context.Context, hub *events.Hub, ac *config.AuditConfig) error {
	if ac == nil {
		return nil
	}
	store, err := audit.NewStore(ac.Path, ac.Retention(), nil)
	if err != nil {
		return err
	}
	rec := audit.NewRecorder(store, hub, audit.RecorderOptions{RatePerMinute: ac.RatePerMinute})
	rec.Start(ctx)
	d.addCleanup(func() {
		rec.Stop()
		if n := rec.Suppressed(); n > 0 {
			d.logger.Info("audit events suppressed by rate limit", "count", n)
		}
		store.Close()
	})
	d.logger.Info("audit log enabled", "path", ac.Path)
	return nil
}

func (d *daemon) registerChecks() {
	d.health.Register("conntrack", health.ConntrackCheck(d.p.Conntrack(), health.DefaultHighWater))
	d.health.Register("tunnels", health.TunnelCheck(d.p.PendingTunnels))
	d.health.Register("interfaces", health.InterfaceCheck(d.routedInterfaces))
}

// routedInterfaces lists the non-tunnel interfaces routes point at.
func (d *daemon) routedInterfaces() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range d.p.Routes().Routes() {
		if r.Interface == "" || seen[r.Interface] || d.p.VPN().HasInterface(r.Interface) {
			continue
		}
		seen[r.Interface] = true
		out = append(out, r.Interface)
	}
	return out
}

// watchEvents logs bus traffic at debug level.
func (d *daemon) watchEvents(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe(256)
	go func() {
		defer hub.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				d.logger.Debug("event", "type", e.Type, "source", e.Source, "data", e.Data)
			}
		}
	}()
}

// reload applies the tables of the configuration file. Settings read at
// startup (logging, nfqueue, metrics, table sizing) need a restart.
func (d *daemon) reload() {
	cfg, warnings, err := loadConfig(d.configFile)
	if err != nil {
		d.logger.Error("reload failed", "error", err)
		return
	}
	for _, w := range warnings {
		d.logger.Warn("configuration warning", "warning", w)
	}
	if err := d.p.ApplyConfig(cfg); err != nil {
		d.logger.Error("reload failed", "error", err)
		return
	}
	if err := d.syncTunnels(); err != nil {
		d.logger.Error("tunnel sockets not updated", "error", err)
	}
}

func (d *daemon) loop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.logger.Info("received SIGHUP, reloading configuration")
				d.reload()
			default:
				d.logger.Info("received signal, shutting down", "signal", sig)
				return nil
			}
		}
	}
}
