// Package procs lists local processes for choosing attach targets.
package procs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Info describes a running process.
type Info struct {
	PID     int32
	Name    string
	User    string
	Cmdline string
}

// List returns processes whose name or command line contains filter, sorted
// by pid. An empty filter matches everything. Processes that exit while being
// inspected are skipped.
func List(ctx context.Context, filter string) ([]Info, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	infos := make([]Info, 0, len(all))
	for _, p := range all {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if filter != "" && !strings.Contains(name, filter) && !strings.Contains(cmdline, filter) {
			continue
		}
		user, _ := p.UsernameWithContext(ctx)
		infos = append(infos, Info{PID: p.Pid, Name: name, User: user, Cmdline: cmdline})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos, nil
}

// Missing returns the pids that do not belong to a running process.
func Missing(ctx context.Context, pids []int) []int {
	var missing []int
	for _, pid := range pids {
		ok, err := process.PidExistsWithContext(ctx, int32(pid))
		if err != nil || !ok {
			missing = append(missing, pid)
		}
	}
	return missing
}
