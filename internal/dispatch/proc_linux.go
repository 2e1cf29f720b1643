//go:build linux

package dispatch

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// readProcessMemory reports RSS from /proc/self/statm and, where the kernel
// provides it, the anonymous/file/shmem split from smaps_rollup.
func readProcessMemory() (ProcessMemory, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return ProcessMemory{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return ProcessMemory{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return ProcessMemory{}, false
	}
	m := ProcessMemory{RSS: pages * uint64(os.Getpagesize())}

	if vals, ok := smapsRollup(); ok {
		m.Anonymous = vals["Anonymous"]
		m.File = vals["Pss_File"]
		m.Shmem = vals["Pss_Shmem"]
	}
	return m, true
}

func smapsRollup() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	vals := map[string]uint64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Key:    123 kB"
		key, rest, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[strings.TrimSpace(key)] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}
