package tool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	"github.com/showwin/speedtest-go/speedtest"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

const (
	ToolSystemVitals  = "get_system_vitals"
	ToolTopProcesses  = "list_top_processes"
	ToolDiskUsage     = "get_disk_usage"
	ToolKillProcess   = "kill_process"
	ToolLargeFiles    = "find_large_files"
	ToolInternetSpeed = "check_internet_speed"
	maxProcessListing = 50
	maxLargeFiles     = 50
	bytesPerGB        = 1 << 30
	bytesPerMB        = 1 << 20
)

type Vitals struct {
	CPUPercent float64   `json:"cpu_percent"`
	RAMPercent float64   `json:"ram_percent"`
	RAMUsedGB  float64   `json:"ram_used_gb"`
	RAMTotalGB float64   `json:"ram_total_gb"`
	BootTime   time.Time `json:"boot_time"`
	OS         string    `json:"os"`
	Platform   string    `json:"platform,omitempty"`
}

type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	MemoryPercent float32 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
}

type DiskUsage struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

type KilledProcess struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

type LargeFile struct {
	Name   string  `json:"file"`
	Path   string  `json:"path"`
	SizeMB float64 `json:"size_mb"`
}

type SpeedResult struct {
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMS       float64 `json:"ping_ms"`
	Server       string  `json:"server,omitempty"`
}

// SystemMonitor reads host metrics and runs the host actions behind the system
// monitor tools.
type SystemMonitor interface {
	Vitals(ctx context.Context) (Vitals, error)
	TopProcesses(ctx context.Context, limit int, sortBy string) ([]ProcessInfo, error)
	DiskUsage(ctx context.Context, path string) (DiskUsage, error)
	KillProcess(ctx context.Context, pid int32) (KilledProcess, error)
	LargeFiles(ctx context.Context, dir string, minBytes int64, limit int) ([]LargeFile, error)
	InternetSpeed(ctx context.Context) (SpeedResult, error)
}

// GopsutilMonitor is the host implementation. The speed check goes through the
// public speedtest.net server list.
type GopsutilMonitor struct {
	CPUSample time.Duration
}

func (g GopsutilMonitor) Vitals(ctx context.Context) (Vitals, error) {
	sample := g.CPUSample
	if sample <= 0 {
		sample = 500 * time.Millisecond
	}
	percents, err := cpu.PercentWithContext(ctx, sample, false)
	if err != nil {
		return Vitals{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Vitals{}, fmt.Errorf("virtual memory: %w", err)
	}
	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return Vitals{}, fmt.Errorf("boot time: %w", err)
	}

	out := Vitals{
		RAMPercent: vm.UsedPercent,
		RAMUsedGB:  round2(float64(vm.Used) / bytesPerGB),
		RAMTotalGB: round2(float64(vm.Total) / bytesPerGB),
		BootTime:   time.Unix(int64(boot), 0).UTC(),
		OS:         runtime.GOOS,
	}
	if len(percents) > 0 {
		out.CPUPercent = round2(percents[0])
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out.Platform = info.Platform + " " + info.PlatformVersion
	}
	return out, nil
}

func (g GopsutilMonitor) TopProcesses(ctx context.Context, limit int, sortBy string) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// process exited or access denied
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		out = append(out, ProcessInfo{
			PID:           p.Pid,
			Name:          name,
			MemoryPercent: memPct,
			CPUPercent:    round2(cpuPct),
		})
	}
	return topN(out, limit, sortBy), nil
}

func (g GopsutilMonitor) DiskUsage(ctx context.Context, path string) (DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return DiskUsage{
		Path:        u.Path,
		TotalGB:     round2(float64(u.Total) / bytesPerGB),
		UsedGB:      round2(float64(u.Used) / bytesPerGB),
		FreeGB:      round2(float64(u.Free) / bytesPerGB),
		UsedPercent: round2(u.UsedPercent),
	}, nil
}

func (g GopsutilMonitor) KillProcess(ctx context.Context, pid int32) (KilledProcess, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return KilledProcess{}, fmt.Errorf("%w: process %d not found", contractx.ErrValidation, pid)
	}
	name, _ := p.NameWithContext(ctx)
	if err := p.TerminateWithContext(ctx); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return KilledProcess{}, fmt.Errorf("%w: permission denied for pid %d", contractx.ErrValidation, pid)
		}
		return KilledProcess{}, fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return KilledProcess{PID: pid, Name: name}, nil
}

func (g GopsutilMonitor) LargeFiles(ctx context.Context, dir string, minBytes int64, limit int) ([]LargeFile, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %q not found", contractx.ErrValidation, dir)
	}

	var out []LargeFile
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// unreadable entries are skipped
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() <= minBytes {
			return nil
		}
		out = append(out, LargeFile{Name: d.Name(), Path: path, SizeMB: round2(float64(fi.Size()) / bytesPerMB)})
		if limit > 0 && len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortLargeFiles(out)
	return out, nil
}

func (g GopsutilMonitor) InternetSpeed(ctx context.Context) (SpeedResult, error) {
	client := speedtest.New()
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return SpeedResult{}, fmt.Errorf("fetch speedtest servers: %w", err)
	}
	targets, err := servers.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return SpeedResult{}, fmt.Errorf("no speedtest server available: %v", err)
	}

	s := targets[0]
	if err := s.PingTestContext(ctx, func(time.Duration) {}); err != nil {
		return SpeedResult{}, fmt.Errorf("ping test: %w", err)
	}
	if err := s.DownloadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("download test: %w", err)
	}
	if err := s.UploadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("upload test: %w", err)
	}
	return SpeedResult{
		DownloadMbps: round2(s.DLSpeed.Mbps()),
		UploadMbps:   round2(s.ULSpeed.Mbps()),
		PingMS:       round2(float64(s.Latency) / float64(time.Millisecond)),
		Server:       s.Name,
	}, nil
}

func sortLargeFiles(files []LargeFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].SizeMB != files[j].SizeMB {
			return files[i].SizeMB > files[j].SizeMB
		}
		return files[i].Path < files[j].Path
	})
}

func topN(procs []ProcessInfo, limit int, sortBy string) []ProcessInfo {
	sort.SliceStable(procs, func(i, j int) bool {
		if sortBy == "cpu" {
			if procs[i].CPUPercent != procs[j].CPUPercent {
				return procs[i].CPUPercent > procs[j].CPUPercent
			}
		} else if procs[i].MemoryPercent != procs[j].MemoryPercent {
			return procs[i].MemoryPercent > procs[j].MemoryPercent
		}
		return procs[i].PID < procs[j].PID
	})
	if limit > 0 && len(procs) > limit {
		procs = procs[:limit]
	}
	return procs
}

// RegisterSystemTools adds the host monitor tools. kill_process is the only
// one that changes the host, so it is registered non-idempotent.
func RegisterSystemTools(r *Registry, monitor SystemMonitor) error {
	if monitor == nil {
		monitor = GopsutilMonitor{}
	}

	if err := r.Register(Descriptor{
		Name:        ToolSystemVitals,
		Description: "Report current CPU usage, RAM usage, boot time and operating system.",
		Timeout:     10 * time.Second,
		Idempotent:  true,
	}, AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		return monitor.Vitals(ctx)
	})); err != nil {
		return err
	}

	if err := r.Register(Descriptor{
		Name:        ToolTopProcesses,
		Description: "List the processes using the most memory or CPU.",
		Params: []Param{
			{Name: "limit", Type: TypeInteger, Description: "Number of processes to return (max 50)", Default: 5},
			{Name: "sort_by", Type: TypeString, Description: "Sort key", Enum: []string{"memory", "cpu"}, Default: "memory"},
		},
		Timeout:    15 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		limit, _ := args["limit"].(int)
		if limit <= 0 {
			limit = 5
		}
		if limit > maxProcessListing {
			limit = maxProcessListing
		}
		sortBy, _ := args["sort_by"].(string)
		return monitor.TopProcesses(ctx, limit, sortBy)
	})); err != nil {
		return err
	}

	if err := r.Register(Descriptor{
		Name:        ToolDiskUsage,
		Description: "Report total, used and free space for a filesystem path.",
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Filesystem path", Default: "/"},
		},
		Timeout:    10 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		if path == "" {
			path = "/"
		}
		return monitor.DiskUsage(ctx, path)
	})); err != nil {
		return err
	}

	if err := r.Register(Descriptor{
		Name:        ToolKillProcess,
		Description: "Terminate a process by PID. Use list_top_processes first to find the PID.",
		Params: []Param{
			{Name: "pid", Type: TypeInteger, Description: "Process ID", Required: true},
		},
		Timeout:    10 * time.Second,
		Idempotent: false,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		pid, _ := args["pid"].(int)
		if pid <= 1 || pid == os.Getpid() {
			return nil, fmt.Errorf("%w: refusing to terminate pid %d", contractx.ErrValidation, pid)
		}
		return monitor.KillProcess(ctx, int32(pid))
	})); err != nil {
		return err
	}

	if err := r.Register(Descriptor{
		Name:        ToolLargeFiles,
		Description: "Scan a directory for files larger than a size threshold.",
		Params: []Param{
			{Name: "directory", Type: TypeString, Description: "Directory to scan", Required: true},
			{Name: "min_size_mb", Type: TypeInteger, Description: "Minimum file size in megabytes", Default: 500},
		},
		Timeout:    60 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		dir, _ := args["directory"].(string)
		dir = filepath.Clean(dir)
		if dir == "." || dir == string(filepath.Separator) {
			return nil, fmt.Errorf("%w: specify a subdirectory, not %q", contractx.ErrValidation, dir)
		}
		minMB, _ := args["min_size_mb"].(int)
		if minMB < 0 {
			return nil, fmt.Errorf("%w: min_size_mb must be >= 0", contractx.ErrValidation)
		}
		return monitor.LargeFiles(ctx, dir, int64(minMB)*bytesPerMB, maxLargeFiles)
	})); err != nil {
		return err
	}

	return r.Register(Descriptor{
		Name:        ToolInternetSpeed,
		Description: "Measure internet download speed, upload speed and ping. Takes 10 to 30 seconds.",
		Timeout:     90 * time.Second,
		Idempotent:  true,
		MaxAttempts: 1,
	}, AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		return monitor.InternetSpeed(ctx)
	}))
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
