package sysmon

import (
	"strconv"
	"strings"
)

// cpuTimeStat is the aggregate "cpu " line of /proc/stat, in jiffies.
type cpuTimeStat struct {
	user      int
	nice      int
	system    int
	idle      int
	iowait    int
	irq       int
	softIrq   int
	steal     int
	guest     int
	guestNice int
}

func (ts *cpuTimeStat) total() int {
	return ts.user + ts.nice + ts.system + ts.idle + ts.iowait + ts.irq + ts.softIrq + ts.steal
}

func (ts *cpuTimeStat) busy() int {
	return ts.total() - ts.idle - ts.iowait
}

// parseCPUTimeStat reads the aggregate line and ignores per-core lines.
func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 11 {
			return nil
		}
		ts := &cpuTimeStat{}
		for i, dst := range []*int{
			&ts.user, &ts.nice, &ts.system, &ts.idle, &ts.iowait,
			&ts.irq, &ts.softIrq, &ts.steal, &ts.guest, &ts.guestNice,
		} {
			v, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return nil
			}
			*dst = v
		}
		return ts
	}
	return nil
}
