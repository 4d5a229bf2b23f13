//go:build !windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var (
	bootOnce sync.Once
	bootTime int64
	clkTck   int64 = 100
)

// StartTime returns when pid started, in Unix seconds, or 0 when unknown.
// It is only precise to a second, so compare with Reused.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if t := procStatStart(pid); t > 0 {
			return t
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStatStart reads field 22 of /proc/<pid>/stat (clock ticks after boot).
func procStatStart(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces and parentheses
	end := bytes.LastIndex(b, []byte(") "))
	if end < 0 {
		return 0
	}
	fields := strings.Fields(string(b[end+2:]))
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	bootOnce.Do(loadBoot)
	if bootTime == 0 {
		return 0
	}
	return bootTime + ticks/clkTck
}

func loadBoot() {
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		clkTck = clk
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bootTime, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return
		}
	}
}
