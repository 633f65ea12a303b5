//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupGroup    = "flowengine"
	cpuPeriodUsec  = 100000
	removeDelay    = 50 * time.Millisecond
	removeAttempts = 10
)

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator runs each code module in its own cgroup v2 leaf under
// /sys/fs/cgroup/flowengine, with PID and network namespaces when available.
type LinuxIsolator struct {
	base string
	caps Caps
}

// NewLinuxIsolator fails when cgroups v2 is not mounted or the flowengine
// group cannot be created.
func NewLinuxIsolator() (*LinuxIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, cgroupGroup)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", base, err)
	}
	if err := delegateControllers(base, controllers); err != nil {
		return nil, fmt.Errorf("delegate cgroup controllers: %w", err)
	}

	return &LinuxIsolator{base: base, caps: capsFor(controllers)}, nil
}

func (l *LinuxIsolator) Capabilities() Caps {
	return l.caps
}

func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	leaf := filepath.Join(l.base, uuid.NewString())
	if err := os.Mkdir(leaf, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", leaf, err)
	}

	if err := l.applyLimits(leaf, limits); err != nil {
		destroyCgroup(leaf)
		return nil, nil, err
	}

	fd, err := syscall.Open(leaf, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		destroyCgroup(leaf)
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	wrapped, cancel := cloneCommand(ctx, cmd, limits.Timeout)

	var flags uintptr
	if l.caps.CanIsolatePID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && l.caps.CanLimitNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    fd,
		Cloneflags:  flags,
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			syscall.Close(fd)
			cancel()
			destroyCgroup(leaf)
		})
	}
	return wrapped, cleanup, nil
}

func (l *LinuxIsolator) applyLimits(leaf string, limits ResourceLimits) error {
	if limits.MaxMemoryBytes > 0 && l.caps.CanLimitMemory {
		if err := writeControl(leaf, "memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// No swap, so the memory ceiling is hard.
		_ = writeControl(leaf, "memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && l.caps.CanLimitCPU {
		if err := writeControl(leaf, "cpu.max", cpuMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(leaf, file, value string) error {
	return os.WriteFile(filepath.Join(leaf, file), []byte(value), 0o644)
}

// cpuMax renders a percentage as the cpu.max "QUOTA PERIOD" pair.
func cpuMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriodUsec)
	}
	return fmt.Sprintf("%d %d", cpuPeriodUsec*percent/100, cpuPeriodUsec)
}

// destroyCgroup kills whatever is left in leaf and removes it. Removal is
// retried because the kernel releases an emptied cgroup asynchronously.
func destroyCgroup(leaf string) {
	if err := os.WriteFile(filepath.Join(leaf, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		killProcs(leaf)
	}
	for range removeAttempts {
		if err := os.Remove(leaf); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(removeDelay)
	}
	slog.Warn("isolation: cgroup not removed", "path", leaf)
}

// killProcs is the fallback for kernels without cgroup.kill.
func killProcs(leaf string) {
	f, err := os.Open(filepath.Join(leaf, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}

func capsFor(controllers map[string]bool) Caps {
	return Caps{
		CanLimitMemory:  controllers["memory"],
		CanLimitCPU:     controllers["cpu"],
		CanLimitNetwork: true,
		CanIsolatePID:   controllers["pids"],
	}
}

func delegateControllers(base string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644)
}
