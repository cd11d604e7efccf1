package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

type fakeMonitor struct {
	gotLimit  int
	gotSortBy string
	gotPath   string
	killed    []int32
	gotDir    string
	gotMin    int64
}

func (f *fakeMonitor) Vitals(context.Context) (Vitals, error) {
	return Vitals{CPUPercent: 12.5, OS: "linux"}, nil
}

func (f *fakeMonitor) TopProcesses(_ context.Context, limit int, sortBy string) ([]ProcessInfo, error) {
	f.gotLimit, f.gotSortBy = limit, sortBy
	return nil, nil
}

func (f *fakeMonitor) DiskUsage(_ context.Context, path string) (DiskUsage, error) {
	f.gotPath = path
	return DiskUsage{Path: path}, nil
}

func (f *fakeMonitor) KillProcess(_ context.Context, pid int32) (KilledProcess, error) {
	f.killed = append(f.killed, pid)
	return KilledProcess{PID: pid, Name: "sleep"}, nil
}

func (f *fakeMonitor) LargeFiles(_ context.Context, dir string, minBytes int64, _ int) ([]LargeFile, error) {
	f.gotDir, f.gotMin = dir, minBytes
	return nil, nil
}

func (f *fakeMonitor) InternetSpeed(context.Context) (SpeedResult, error) {
	return SpeedResult{DownloadMbps: 95.5, UploadMbps: 20, PingMS: 12}, nil
}

func invokeTool(t *testing.T, r *Registry, name string, args map[string]any) (any, error) {
	t.Helper()

	normalized, err := r.Validate(name, args)
	if err != nil {
		return nil, err
	}
	_, adapter, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("Lookup(%s) ok = false", name)
	}
	return adapter.Invoke(context.Background(), normalized)
}

func TestRegisterSystemToolsUsesValidatedDefaults(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	r := NewRegistry()
	if err := RegisterSystemTools(r, monitor); err != nil {
		t.Fatalf("RegisterSystemTools() error = %v", err)
	}

	args, err := r.Validate(ToolTopProcesses, map[string]any{"limit": float64(500)})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	_, adapter, _ := r.Lookup(ToolTopProcesses)
	if _, err := adapter.Invoke(context.Background(), args); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if monitor.gotLimit != maxProcessListing || monitor.gotSortBy != "memory" {
		t.Fatalf("monitor got limit=%d sort=%q", monitor.gotLimit, monitor.gotSortBy)
	}

	args, _ = r.Validate(ToolDiskUsage, map[string]any{})
	_, adapter, _ = r.Lookup(ToolDiskUsage)
	if _, err := adapter.Invoke(context.Background(), args); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if monitor.gotPath != "/" {
		t.Fatalf("monitor got path=%q, want /", monitor.gotPath)
	}

	if _, err := r.Validate(ToolTopProcesses, map[string]any{"sort_by": "disk"}); err == nil {
		t.Fatal("Validate(sort_by=disk) error = nil")
	}
}

func TestTopNSortsDeterministically(t *testing.T) {
	t.Parallel()

	procs := []ProcessInfo{
		{PID: 3, MemoryPercent: 1, CPUPercent: 50},
		{PID: 1, MemoryPercent: 9, CPUPercent: 5},
		{PID: 2, MemoryPercent: 9, CPUPercent: 1},
	}
	got := topN(append([]ProcessInfo(nil), procs...), 2, "memory")
	if len(got) != 2 || got[0].PID != 1 || got[1].PID != 2 {
		t.Fatalf("topN(memory) = %+v", got)
	}
	got = topN(append([]ProcessInfo(nil), procs...), 1, "cpu")
	if got[0].PID != 3 {
		t.Fatalf("topN(cpu) = %+v", got)
	}
}

func TestKillProcessTool(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	r := NewRegistry()
	if err := RegisterSystemTools(r, monitor); err != nil {
		t.Fatalf("RegisterSystemTools() error = %v", err)
	}

	desc, _, _ := r.Lookup(ToolKillProcess)
	if desc.Idempotent {
		t.Fatal("kill_process registered as idempotent")
	}

	for _, pid := range []int{0, 1, os.Getpid()} {
		if _, err := invokeTool(t, r, ToolKillProcess, map[string]any{"pid": float64(pid)}); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("kill_process(pid=%d) error = %v, want ErrValidation", pid, err)
		}
	}
	if _, err := invokeTool(t, r, ToolKillProcess, map[string]any{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("kill_process() without pid error = %v, want ErrValidation", err)
	}

	out, err := invokeTool(t, r, ToolKillProcess, map[string]any{"pid": float64(4242)})
	if err != nil {
		t.Fatalf("kill_process(4242) error = %v", err)
	}
	if got := out.(KilledProcess); got.PID != 4242 || len(monitor.killed) != 1 {
		t.Fatalf("kill_process(4242) = %+v, killed = %v", got, monitor.killed)
	}
}

func TestFindLargeFilesTool(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	r := NewRegistry()
	if err := RegisterSystemTools(r, monitor); err != nil {
		t.Fatalf("RegisterSystemTools() error = %v", err)
	}

	if _, err := invokeTool(t, r, ToolLargeFiles, map[string]any{"directory": "/"}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("find_large_files(/) error = %v, want ErrValidation", err)
	}
	if _, err := invokeTool(t, r, ToolLargeFiles, map[string]any{"directory": "/var/log/"}); err != nil {
		t.Fatalf("find_large_files() error = %v", err)
	}
	if monitor.gotDir != "/var/log" || monitor.gotMin != 500*bytesPerMB {
		t.Fatalf("monitor got dir=%q min=%d", monitor.gotDir, monitor.gotMin)
	}

	desc, _, _ := r.Lookup(ToolInternetSpeed)
	if desc.MaxAttempts != 1 {
		t.Fatalf("check_internet_speed max attempts = %d, want 1", desc.MaxAttempts)
	}
	out, err := invokeTool(t, r, ToolInternetSpeed, nil)
	if err != nil || out.(SpeedResult).DownloadMbps != 95.5 {
		t.Fatalf("check_internet_speed() = %+v, %v", out, err)
	}
}

func TestGopsutilMonitorLargeFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	sizes := map[string]int64{
		"small.txt":         10,
		"big.bin":           3 * bytesPerMB,
		"nested/bigger.iso": 5 * bytesPerMB,
		"nested/medium.log": bytesPerMB / 2,
	}
	for name, size := range sizes {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := f.Truncate(size); err != nil {
			t.Fatalf("Truncate() error = %v", err)
		}
		f.Close()
	}

	got, err := GopsutilMonitor{}.LargeFiles(context.Background(), dir, bytesPerMB, 10)
	if err != nil {
		t.Fatalf("LargeFiles() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "bigger.iso" || got[1].Name != "big.bin" {
		t.Fatalf("LargeFiles() = %+v", got)
	}
	if got[0].SizeMB != 5 {
		t.Fatalf("size_mb = %v, want 5", got[0].SizeMB)
	}

	got, err = GopsutilMonitor{}.LargeFiles(context.Background(), dir, bytesPerMB, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("LargeFiles(limit=1) = %+v, %v", got, err)
	}

	if _, err := (GopsutilMonitor{}).LargeFiles(context.Background(), filepath.Join(dir, "missing"), 0, 10); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("LargeFiles(missing) error = %v, want ErrValidation", err)
	}
}
