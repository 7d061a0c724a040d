// Package probe answers which optional perf features a target supports.
//
// Answers are cached per transport.Target for the lifetime of the Prober:
// the kernel and perf build of a host are not expected to change while the
// program runs, and remote queries cost an ssh round trip each. There is no
// invalidation. CanTrace is the exception since its argument varies.
package probe

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/saworbit/perfrecord/internal/metrics"
	"github.com/saworbit/perfrecord/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// TracingRoot is where relative trace point paths are resolved.
	TracingRoot = "/sys/kernel/debug/tracing"
	// ParanoidPath exposes the kernel's perf_event access level.
	ParanoidPath = "/proc/sys/kernel/perf_event_paranoid"
	// SchedSwitchPath is the trace point required for off-CPU profiling.
	SchedSwitchPath = "events/sched/sched_switch"

	mostPermissive = "-1"
	// Used when perf record --help is empty, e.g. without man pages.
	fallbackHelp = "--sample-cpu --switch-events"
	zstdEnabled  = "zstd: [ on  ]"
	aioEnabled   = "aio: [ on  ]"
)

const (
	queryInstalled    = "installed"
	queryRecordHelp   = "record-help"
	queryBuildOptions = "build-options"
	queryOffCPU       = "off-cpu"
	queryUsername     = "username"
)

var elevationHelpers = []string{"pkexec", "kdesudo", "kdesu", "sudo"}

var lookPath = exec.LookPath

// OffCPUOptions returns the perf options that record context switches.
func OffCPUOptions() []string {
	return []string{"--switch-events", "--event", "sched:sched_switch"}
}

type cacheKey struct {
	target transport.Target
	query  string
}

// Prober runs diagnostic commands through a transport and memoizes them.
type Prober struct {
	perf   string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]any
	group singleflight.Group
}

// New creates a Prober that invokes perf under the given name.
func New(perf string, logger *zap.Logger) *Prober {
	if perf == "" {
		perf = "perf"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		perf:   perf,
		logger: logger,
		cache:  make(map[cacheKey]any),
	}
}

// memo returns the cached answer for query on tr's target, computing it once.
// Concurrent callers for the same key share a single computation. Errors are
// not cached.
func (p *Prober) memo(tr transport.Transport, query string, compute func() (any, error)) (any, error) {
	start := time.Now()
	key := cacheKey{target: tr.Target(), query: query}

	p.mu.Lock()
	v, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		metrics.ObserveProbe(start, query, "hit")
		return v, nil
	}

	flightKey := fmt.Sprintf("%d|%s|%s|%s|%s", key.target.Kind, key.target.Hostname,
		key.target.Username, key.target.Options, query)
	v, err, _ := p.group.Do(flightKey, func() (any, error) {
		p.mu.Lock()
		if cached, ok := p.cache[key]; ok {
			p.mu.Unlock()
			return cached, nil
		}
		p.mu.Unlock()

		v, err := compute()
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if first, ok := p.cache[key]; ok {
			return first, nil
		}
		p.cache[key] = v
		return v, nil
	})
	if err != nil {
		metrics.ObserveProbe(start, query, "error")
		p.logger.Warn("capability probe failed",
			zap.String("target", key.target.String()),
			zap.String("query", query),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.ObserveProbe(start, query, "miss")
	return v, nil
}

func (p *Prober) output(ctx context.Context, tr transport.Transport, query string, argv ...string) string {
	v, err := p.memo(tr, query, func() (any, error) {
		res, err := tr.Run(ctx, argv...)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	})
	if err != nil {
		return ""
	}
	return v.(string)
}

func (p *Prober) recordHelp(ctx context.Context, tr transport.Transport) string {
	v, err := p.memo(tr, queryRecordHelp, func() (any, error) {
		res, err := tr.Run(ctx, p.perf, "record", "--help")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(res.Output) == "" {
			return fallbackHelp, nil
		}
		return res.Output, nil
	})
	if err != nil {
		return ""
	}
	return v.(string)
}

func (p *Prober) buildOptions(ctx context.Context, tr transport.Transport) string {
	return p.output(ctx, tr, queryBuildOptions, p.perf, "version", "--build-options")
}

// IsInstalled reports whether perf can be run on the target.
func (p *Prober) IsInstalled(ctx context.Context, tr transport.Transport) bool {
	v, err := p.memo(tr, queryInstalled, func() (any, error) {
		res, err := tr.Run(ctx, p.perf)
		if err != nil {
			return nil, err
		}
		return res.ExitCode != transport.ExitNotFound, nil
	})
	return err == nil && v.(bool)
}

// CanTrace reports whether the trace point directory at tracePath is usable.
// Relative paths are resolved under TracingRoot. It is not cached.
func (p *Prober) CanTrace(ctx context.Context, tr transport.Transport, tracePath string) bool {
	if !path.IsAbs(tracePath) {
		tracePath = path.Join(TracingRoot, tracePath)
	}

	if !tr.Check(ctx, tracePath, transport.IsDir) || !tr.Check(ctx, tracePath, transport.IsReadable) {
		return false
	}

	res, err := tr.Run(ctx, "cat", ParanoidPath)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.TrimSpace(res.Output) == mostPermissive
}

// CanProfileOffCPU reports whether sched_switch can be traced.
func (p *Prober) CanProfileOffCPU(ctx context.Context, tr transport.Transport) bool {
	v, err := p.memo(tr, queryOffCPU, func() (any, error) {
		return p.CanTrace(ctx, tr, SchedSwitchPath), nil
	})
	return err == nil && v.(bool)
}

// CanSampleCPU reports whether perf record accepts --sample-cpu.
func (p *Prober) CanSampleCPU(ctx context.Context, tr transport.Transport) bool {
	return strings.Contains(p.recordHelp(ctx, tr), "--sample-cpu")
}

// CanSwitchEvents reports whether perf record accepts --switch-events.
func (p *Prober) CanSwitchEvents(ctx context.Context, tr transport.Transport) bool {
	return strings.Contains(p.recordHelp(ctx, tr), "--switch-events")
}

// CanCompress reports whether the target's perf was built with zstd, so
// that -z recordings are possible.
func (p *Prober) CanCompress(ctx context.Context, tr transport.Transport) bool {
	return strings.Contains(p.buildOptions(ctx, tr), zstdEnabled)
}

// CanUseAIO reports whether perf can write with asynchronous I/O. It is never
// used through ssh, where it has been seen to misbehave.
func (p *Prober) CanUseAIO(ctx context.Context, tr transport.Transport) bool {
	if tr.Target().IsRemote() {
		return false
	}
	return strings.Contains(p.buildOptions(ctx, tr), aioEnabled)
}

// CurrentUsername returns the user commands run as on the target.
func (p *Prober) CurrentUsername(ctx context.Context, tr transport.Transport) string {
	v, err := p.memo(tr, queryUsername, func() (any, error) {
		if !tr.Target().IsRemote() {
			u, err := user.Current()
			if err != nil {
				return nil, err
			}
			return u.Username, nil
		}
		res, err := tr.Run(ctx, "id", "-un")
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(res.Output), nil
	})
	if err != nil {
		return ""
	}
	return v.(string)
}

// SudoUtil returns the privilege elevation helper for the target, or "" when
// none is available. Remote targets never support elevation.
func SudoUtil(target transport.Target) string {
	if target.IsRemote() {
		return ""
	}
	for _, helper := range elevationHelpers {
		if p, err := lookPath(helper); err == nil {
			return p
		}
	}
	return ""
}

// CanElevatePrivileges reports whether SudoUtil finds a helper.
func CanElevatePrivileges(target transport.Target) bool {
	return SudoUtil(target) != ""
}

// Report is a snapshot of every capability, used for diagnostics output.
type Report struct {
	Target          string `json:"target"`
	Installed       bool   `json:"installed"`
	Username        string `json:"username"`
	OffCPU          bool   `json:"off_cpu"`
	SampleCPU       bool   `json:"sample_cpu"`
	SwitchEvents    bool   `json:"switch_events"`
	AIO             bool   `json:"aio"`
	Compress        bool   `json:"compress"`
	ElevationHelper string `json:"elevation_helper,omitempty"`
}

// Report queries all capabilities of tr's target.
func (p *Prober) Report(ctx context.Context, tr transport.Transport) Report {
	r := Report{
		Target:    tr.Target().String(),
		Installed: p.IsInstalled(ctx, tr),
		Username:  p.CurrentUsername(ctx, tr),
	}
	if !r.Installed {
		return r
	}
	r.OffCPU = p.CanProfileOffCPU(ctx, tr)
	r.SampleCPU = p.CanSampleCPU(ctx, tr)
	r.SwitchEvents = p.CanSwitchEvents(ctx, tr)
	r.AIO = p.CanUseAIO(ctx, tr)
	r.Compress = p.CanCompress(ctx, tr)
	r.ElevationHelper = SudoUtil(tr.Target())
	return r
}
