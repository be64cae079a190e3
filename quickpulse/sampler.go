package quickpulse

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// systemSampler reports instantaneous CPU and memory usage for the
// \Processor(_Total)\% Processor Time and \Memory\Committed Bytes metrics.
//
// The Rust original reads these through the sysinfo crate; no example repo in
// the corpus imports a Go system-stats library (see DESIGN.md), so this one
// leaf reads /proc directly and degrades to zero-valued samples on platforms
// where /proc is unavailable, which keeps the aggregator itself portable and
// testable without root privileges or cgo.
type systemSampler interface {
	// Sample returns the current aggregate CPU usage percentage across all
	// cores (unnormalized: the sum of per-core percentages, so a fully busy
	// 8-core box reads ~800, not ~100),
	// and the used memory in bytes.
	Sample() (cpuPercent float64, usedMemoryBytes float64)
}

type procSampler struct {
	mu       sync.Mutex
	haveLast bool
	lastIdle uint64
	lastTotal uint64
}

func newSystemSampler() systemSampler { return &procSampler{} }

func (s *procSampler) Sample() (float64, float64) {
	cpu := s.sampleCPU()
	mem := s.sampleMemory()
	return cpu, mem
}

func (s *procSampler) sampleCPU() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}

	var total, idle uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}

	// The per-core "cpuN" lines follow the aggregate line; count them to
	// turn the aggregate busy fraction into a sum of per-core percentages.
	cores := 0
	for scanner.Scan() {
		if !strings.HasPrefix(scanner.Text(), "cpu") {
			break
		}
		cores++
	}
	if cores == 0 {
		cores = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLast {
		s.lastIdle, s.lastTotal, s.haveLast = idle, total, true
		return 0
	}
	deltaTotal := total - s.lastTotal
	deltaIdle := idle - s.lastIdle
	s.lastIdle, s.lastTotal = idle, total
	if deltaTotal == 0 {
		return 0
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	return busy * 100 * float64(cores)
}

func (s *procSampler) sampleMemory() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoValue(line)
		}
	}
	if totalKB == 0 || availableKB > totalKB {
		return 0
	}
	return float64(totalKB-availableKB) * 1024
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
