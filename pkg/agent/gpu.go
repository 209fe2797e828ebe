package agent

import (
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// ProbeGPU queries nvidia-smi for the first GPU. Hosts without a working
// driver get the CPU fallback, whose zero total_memory keeps the
// coordinator from ever selecting this worker.
func ProbeGPU() types.GPUInfo {
	out, err := exec.Command(
		"nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,memory.reserved,compute_cap",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return cpuFallbackGPU()
	}

	info, err := parseGPUCSV(string(out))
	if err != nil {
		return cpuFallbackGPU()
	}

	info.CUDAVersion = detectCUDAVersion()
	return info
}

// parseGPUCSV parses one line of nvidia-smi CSV output
func parseGPUCSV(raw string) (types.GPUInfo, error) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return types.GPUInfo{}, fmt.Errorf("empty nvidia-smi output")
	}

	fields := strings.Split(lines[0], ",")
	if len(fields) < 5 {
		return types.GPUInfo{}, fmt.Errorf("unexpected nvidia-smi output: %q", lines[0])
	}

	total := parseMiB(fields[1])
	used := parseMiB(fields[2])
	reserved := parseMiB(fields[3])

	return types.GPUInfo{
		DeviceName:        strings.TrimSpace(fields[0]),
		TotalMemory:       total,
		AllocatedMemory:   used,
		ReservedMemory:    reserved,
		FreeMemory:        total - used,
		ComputeCapability: strings.TrimSpace(fields[4]),
	}, nil
}

func parseMiB(field string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0
	}
	return v
}

var cudaVersionRe = regexp.MustCompile(`CUDA Version:\s*([0-9.]+)`)

// detectCUDAVersion scrapes the CUDA version from the nvidia-smi banner,
// which has no --query-gpu field
func detectCUDAVersion() string {
	out, err := exec.Command("nvidia-smi").Output()
	if err != nil {
		return "N/A"
	}
	if m := cudaVersionRe.FindSubmatch(out); m != nil {
		return string(m[1])
	}
	return "N/A"
}

// cpuFallbackGPU is reported when no NVIDIA GPU is usable
func cpuFallbackGPU() types.GPUInfo {
	return types.GPUInfo{
		DeviceName:        "CPU",
		TotalMemory:       0,
		AllocatedMemory:   0,
		ReservedMemory:    0,
		FreeMemory:        0,
		CUDAVersion:       "N/A",
		ComputeCapability: "N/A",
	}
}

// GPUAvailable reports whether the probe found a usable GPU
func GPUAvailable(info types.GPUInfo) bool {
	return info.DeviceName != "CPU" && info.TotalMemory > 0
}

// HostMetrics holds host utilization for the dashboard
type HostMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskFreeBytes uint64
}

// CollectHostMetrics samples CPU, memory, and disk usage
func CollectHostMetrics() HostMetrics {
	var m HostMetrics

	// CPU utilization (sample over 100ms)
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(cpuPercent) > 0 {
		m.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		m.MemoryPercent = memInfo.UsedPercent
	}

	diskInfo, err := disk.Usage("/")
	if err == nil {
		m.DiskFreeBytes = diskInfo.Free
	}

	return m
}

// GetPrivateIP returns the machine's private IP address
func GetPrivateIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}

			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}

	return "127.0.0.1"
}
