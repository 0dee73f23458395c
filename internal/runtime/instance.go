// Package runtime supervises one external proxy-runtime process per
// validation attempt: config generation, launch, health checking and
// unconditional teardown. The binary is a black box that accepts
// `-f <config>` and exposes a control HTTP endpoint once ready.
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/types"
)

// State is the lifecycle position of an Instance.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateHealthChecking
	StateReady
	StateStopping
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateHealthChecking:
		return "HealthChecking"
	case StateReady:
		return "Ready"
	case StateStopping:
		return "Stopping"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Instance is one ephemeral runtime process bound to a leased port pair.
// Instances are never reused: one instance, one record, one attempt.
type Instance struct {
	cfg         types.RuntimeConf
	rec         *codec.ProxyRecord
	proxyPort   int
	controlPort int

	state      atomic.Int32
	configPath string
	cmd        *exec.Cmd
	stderr     *tailBuffer
	procExited chan struct{}
	stopOnce   sync.Once

	log zerolog.Logger
}

func NewInstance(cfg types.RuntimeConf, rec *codec.ProxyRecord, proxyPort, controlPort int) *Instance {
	return &Instance{
		cfg:         cfg,
		rec:         rec,
		proxyPort:   proxyPort,
		controlPort: controlPort,
		stderr:      &tailBuffer{limit: 2048},
		procExited:  make(chan struct{}),
		log: logger.WithComponent("Runtime").With().
			Str("server", rec.Endpoint()).
			Int("proxy_port", proxyPort).
			Logger(),
	}
}

func (inst *Instance) State() State     { return State(inst.state.Load()) }
func (inst *Instance) ProxyPort() int   { return inst.proxyPort }
func (inst *Instance) ControlPort() int { return inst.controlPort }

func (inst *Instance) setState(s State) {
	inst.state.Store(int32(s))
}

// Start writes the config file, launches the runtime and blocks until both
// readiness signals arrive: the control endpoint answering the configured
// number of consecutive probes, then the proxy port accepting a TCP
// connection. Both share one startup deadline. On failure the instance is
// Failed; the caller's Stop still runs and cleans up whatever exists.
func (inst *Instance) Start(ctx context.Context) error {
	inst.setState(StateStarting)

	configPath, err := writeConfigFile(inst.cfg, inst.rec, inst.proxyPort, inst.controlPort)
	if err != nil {
		inst.setState(StateFailed)
		return fmt.Errorf("generate runtime config: %w", err)
	}
	inst.configPath = configPath

	cmd := exec.Command(inst.cfg.Binary, "-f", configPath)
	cmd.Stdout = nil
	cmd.Stderr = inst.stderr
	setProcGroup(cmd)
	if err := cmd.Start(); err != nil {
		inst.setState(StateFailed)
		return fmt.Errorf("launch runtime %q: %w", inst.cfg.Binary, err)
	}
	inst.cmd = cmd
	go func() {
		_ = cmd.Wait()
		close(inst.procExited)
	}()

	inst.setState(StateHealthChecking)
	begin := time.Now()
	budget := inst.cfg.StartupTimeout()
	controlURL := fmt.Sprintf("http://127.0.0.1:%d/version", inst.controlPort)
	err = waitForControl(ctx, controlURL, inst.cfg.PollInterval(), inst.cfg.ConsecutiveOK, budget, inst.procExited)
	if err == nil {
		// Whatever startup budget the control endpoint left over goes to
		// confirming the inbound listener.
		remaining := budget - time.Since(begin)
		if remaining < inst.cfg.PollInterval() {
			remaining = inst.cfg.PollInterval()
		}
		err = waitForProxyPort(ctx, inst.proxyPort, inst.cfg.PollInterval(), remaining, inst.procExited)
	}
	if err != nil {
		inst.setState(StateFailed)
		if tail := inst.stderr.String(); tail != "" {
			return fmt.Errorf("runtime not ready: %w (stderr: %s)", err, tail)
		}
		return fmt.Errorf("runtime not ready: %w", err)
	}

	inst.setState(StateReady)
	inst.log.Debug().Int("control_port", inst.controlPort).Msg("runtime ready")
	return nil
}

// Stop tears the instance down: graceful signal, grace period, hard kill of
// the whole process group, config file removal. It never fails and is safe
// to call in any state, any number of times. Cleanup must be unconditional,
// so every problem in here is logged and swallowed.
func (inst *Instance) Stop() {
	inst.stopOnce.Do(func() {
		failed := inst.State() == StateFailed
		if !failed {
			inst.setState(StateStopping)
		}

		if inst.cmd != nil && inst.cmd.Process != nil {
			if err := terminateProcess(inst.cmd); err != nil {
				inst.log.Debug().Err(err).Msg("terminate signal failed")
			}
			select {
			case <-inst.procExited:
			case <-time.After(inst.cfg.StopGrace()):
				if err := killProcess(inst.cmd); err != nil {
					inst.log.Debug().Err(err).Msg("kill failed")
				}
				select {
				case <-inst.procExited:
				case <-time.After(2 * time.Second):
					inst.log.Warn().Msg("runtime did not exit after kill")
				}
			}
		}

		if inst.configPath != "" {
			if err := os.Remove(inst.configPath); err != nil && !os.IsNotExist(err) {
				inst.log.Debug().Err(err).Str("path", inst.configPath).Msg("config file removal failed")
			}
		}

		if !failed {
			inst.setState(StateTerminated)
		}
		inst.log.Debug().Str("state", inst.State().String()).Msg("runtime stopped")
	})
}

// WithInstance scopes an instance to fn: Start, run fn, and Stop on every
// exit path, including fn panicking or Start failing halfway.
func WithInstance(ctx context.Context, cfg types.RuntimeConf, rec *codec.ProxyRecord, proxyPort, controlPort int, fn func(*Instance) error) error {
	inst := NewInstance(cfg, rec, proxyPort, controlPort)
	defer inst.Stop()
	if err := inst.Start(ctx); err != nil {
		return err
	}
	return fn(inst)
}

// tailBuffer keeps the last limit bytes written. The runtime's output stays
// suppressed, but the tail makes start failures diagnosable.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
