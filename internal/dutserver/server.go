// Package dutserver implements the line-oriented TCP DUT simulator: a
// blocking accept loop with per-connection handlers, dispatching each
// request through the fault injector and the device model.
package dutserver

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/device"
	"github.com/mtaplabs/mtap/internal/fault"
	"github.com/mtaplabs/mtap/internal/protocol"
)

// acceptPoll bounds how long a shutdown signal can go unobserved.
const acceptPoll = 500 * time.Millisecond

// Config configures the simulator.
type Config struct {
	Addr        string // host:port; ":0" picks an ephemeral port
	ConfigPath  string // optional explicit DUT config path
	ProfileName string // optional startup profile override
	MetricsAddr string // optional Prometheus exposition listener
	Logger      *slog.Logger
	Clock       clockwork.Clock
}

// Server is the DUT simulator. The RNG, device model, fault injector, and
// active profile are shared across connection handlers under a single
// dispatch mutex so pseudo-random draws observe a total order.
type Server struct {
	cfg    Config
	dutCfg *config.DutConfig
	log    *slog.Logger
	clock  clockwork.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	model    *device.Model
	injector *fault.Injector

	listener    net.Listener
	metricsSrv  *http.Server
	stop        chan struct{}
	wg          sync.WaitGroup
	stopOnce    sync.Once
	registry    *prometheus.Registry
	reqTotal    *prometheus.CounterVec
	faultTotal  *prometheus.CounterVec
	activeConns prometheus.Gauge
}

// New loads the DUT config and builds a server. The RNG seed comes from
// determinism.seed; a zero seed falls back to wall-clock nanoseconds.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	dutCfg, err := config.LoadDutConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	seed := dutCfg.Determinism.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	profileName := cfg.ProfileName
	if profileName == "" {
		profileName = dutCfg.DefaultFaultProfile
	}
	if profileName == "" {
		profileName = "clean"
	}

	s := &Server{
		cfg:      cfg,
		dutCfg:   dutCfg,
		log:      cfg.Logger.With("component", "dutserver"),
		clock:    cfg.Clock,
		rng:      rng,
		model:    device.NewModel(rng, cfg.Clock, dutCfg.Defaults()),
		injector: fault.NewInjector(rng, cfg.Clock, dutCfg.ProfileByName(profileName)),
		stop:     make(chan struct{}),
		registry: prometheus.NewRegistry(),
	}
	s.reqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mtap_dut_requests_total",
		Help: "Requests dispatched, by command.",
	}, []string{"command"})
	s.faultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mtap_dut_fault_actions_total",
		Help: "Fault injector verdicts, by action.",
	}, []string{"action"})
	s.activeConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtap_dut_active_connections",
		Help: "Currently open client connections.",
	})
	s.registry.MustRegister(s.reqTotal, s.faultTotal, s.activeConns)

	return s, nil
}

// Start binds the listener and launches the accept loop. The optional
// metrics listener serves Prometheus exposition on /metrics.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Warn("metrics listener failed", "err", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop signals shutdown and waits for in-flight connections to finish
// their current line, or for ctx to expire.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("shutdown complete")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if tl, ok := s.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
				s.log.Warn("accept failed", "err", err)
				return
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.activeConns.Inc()
	defer s.activeConns.Dec()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		select {
		case <-s.stop:
			return
		default:
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		resp, drop := s.dispatch(line)
		if drop {
			return
		}
		wire, err := protocol.Encode(resp)
		if err != nil {
			s.log.Error("encode failed", "err", err)
			return
		}
		if _, err := conn.Write(wire); err != nil {
			return
		}
	}
}

// dispatch handles one request line. The second return is true when the
// injector chose DROP and the connection must close without a reply.
func (s *Server) dispatch(line string) (protocol.Response, bool) {
	cmd, args := protocol.ParseCommand(line)
	if cmd == "" {
		return protocol.Err(protocol.ErrBadArgs, "Empty command", "(empty)"), false
	}
	s.reqTotal.WithLabelValues(cmd).Inc()

	switch cmd {
	case protocol.CmdSetFaultProfile:
		if len(args) != 1 {
			return protocol.Err(protocol.ErrBadArgs, "SET_FAULT_PROFILE requires 1 argument: <profile>", cmd), false
		}
		name := args[0]
		s.mu.Lock()
		s.injector.SetProfile(s.dutCfg.ProfileByName(name))
		s.mu.Unlock()
		s.log.Info("fault profile switched", "profile", name)
		return protocol.OK(map[string]any{"profile": name}, cmd), false

	case protocol.CmdSetTemp:
		if len(args) != 2 {
			return protocol.Err(protocol.ErrBadArgs, "SET_TEMP requires 2 arguments: <sn> <temp_c>", cmd), false
		}
		tempC, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return protocol.Err(protocol.ErrBadArgs, "temp_c must be a float", cmd), false
		}
		if tempC < device.TempMinC || tempC > device.TempMaxC {
			return protocol.Err(protocol.ErrOutOfRange, "temp_c out of range [-40.0, 125.0]", cmd), false
		}
		sn := args[0]
		return s.dispatchDevice(cmd, sn, false, func() map[string]any {
			return s.model.SetTemp(sn, tempC)
		})

	case protocol.CmdPing, protocol.CmdReadTemp, protocol.CmdSelfTest:
		if len(args) != 1 {
			return protocol.Err(protocol.ErrBadArgs, cmd+" requires 1 argument: <sn>", cmd), false
		}
		sn := args[0]
		var op func() map[string]any
		switch cmd {
		case protocol.CmdPing:
			op = func() map[string]any { return s.model.Ping(sn) }
		case protocol.CmdReadTemp:
			op = func() map[string]any { return s.model.ReadTemp(sn) }
		default:
			op = func() map[string]any { return s.model.SelfTest(sn) }
		}
		return s.dispatchDevice(cmd, sn, true, op)
	}

	return protocol.Err(protocol.ErrUnknownCmd, "Unknown command: "+cmd, cmd), false
}

// dispatchDevice runs the drift update, injector evaluation, and device
// operation for one SN-bearing request. The dispatch mutex covers the
// random draws and the device read-modify-write, but is released across
// the injector's deliberate DELAY/DROP sleeps.
func (s *Server) dispatchDevice(cmd, sn string, withDrift bool, op func() map[string]any) (protocol.Response, bool) {
	s.mu.Lock()
	d := s.model.GetOrCreate(sn)
	if withDrift {
		d.DriftOffsetC, d.DriftOffsetV = s.injector.ApplyDrift(cmd, d.Cycles, d.DriftOffsetC, d.DriftOffsetV)
	}
	action := s.injector.Evaluate(cmd, sn, d.Cycles)

	switch action.Kind {
	case fault.ActionRespond:
		s.mu.Unlock()
		s.faultTotal.WithLabelValues("respond").Inc()
		return protocol.Err(action.ErrorCode, action.Message, cmd), false

	case fault.ActionDrop:
		s.mu.Unlock()
		s.faultTotal.WithLabelValues("drop").Inc()
		s.clock.Sleep(action.Delay)
		return protocol.Response{}, true

	case fault.ActionDelay:
		s.mu.Unlock()
		s.faultTotal.WithLabelValues("delay").Inc()
		s.clock.Sleep(action.Delay)
		s.mu.Lock()
	}

	data := op()
	s.mu.Unlock()
	return protocol.OK(data, cmd), false
}
