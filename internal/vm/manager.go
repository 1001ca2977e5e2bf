package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
)

// ErrVmNotFound is returned by every Manager operation addressing a vm id
// that is not currently tracked.
var ErrVmNotFound = errors.New("vm not found")

// ErrVmAlreadyExists is returned by Create when vmID is already tracked.
var ErrVmAlreadyExists = errors.New("vm already exists")

// Config configures the Manager's Firecracker process and image layout.
type Config struct {
	ImagesDir       string
	KernelPath      string
	RootfsPath      string
	FirecrackerPath string
	SocketDir       string
	VCPUs           int64
	MemoryMB        int64
}

// DefaultConfig returns sensible defaults rooted under /var/lib/agentfleet.
func DefaultConfig() Config {
	imagesDir := "/var/lib/agentfleet/images"
	return Config{
		ImagesDir:       imagesDir,
		KernelPath:      filepath.Join(imagesDir, "vmlinux"),
		RootfsPath:      filepath.Join(imagesDir, "rootfs.squashfs"),
		FirecrackerPath: "/usr/local/bin/firecracker",
		SocketDir:       "/tmp/agentfleet",
		VCPUs:           1,
		MemoryMB:        512,
	}
}

const minCID = 100

type spawnedProcess struct {
	commandID string
	pid       string
}

type managedVM struct {
	instance *Instance
	machine  *firecracker.Machine
	cmds     chan commandRequest

	mu      sync.Mutex
	spawned map[string]spawnedProcess
}

type commandRequest struct {
	cmd   Command
	reply chan CommandResult
}

// Manager tracks every running microVM in this process. All state is
// in-memory: nothing here survives a restart.
type Manager struct {
	config Config
	logger *logrus.Logger

	mu           sync.RWMutex
	vms          map[string]*managedVM
	nextCID      uint32
	shuttingDown bool
}

// NewManager creates a Manager rooted at cfg. It ensures cfg.SocketDir
// exists but does not touch the network or spawn any processes.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.SocketDir, 0755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		config:  cfg,
		logger:  logger,
		vms:     make(map[string]*managedVM),
		nextCID: minCID,
	}, nil
}

// allocateCID returns the next CID, monotonically increasing and never
// reused even after a VM holding it is destroyed.
func (m *Manager) allocateCID() uint32 {
	cid := m.nextCID
	m.nextCID++
	return cid
}

// Create launches a new Firecracker microVM named vmID and waits for its
// vsock endpoint to come up before returning.
func (m *Manager) Create(ctx context.Context, vmID string) (Snapshot, error) {
	m.mu.Lock()
	if _, exists := m.vms[vmID]; exists {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrVmAlreadyExists, vmID)
	}
	cid := m.allocateCID()
	m.mu.Unlock()

	inst, machine, err := m.bootInstance(ctx, vmID, cid)
	if err != nil {
		return Snapshot{}, err
	}

	mv := &managedVM{
		instance: inst,
		machine:  machine,
		cmds:     make(chan commandRequest, 8),
		spawned:  make(map[string]spawnedProcess),
	}

	m.mu.Lock()
	m.vms[vmID] = mv
	m.mu.Unlock()

	go m.runCommandProcessor(vmID, mv)

	m.logger.WithFields(logrus.Fields{"vm_id": vmID, "cid": cid}).Info("vm created")

	return m.snapshot(mv), nil
}

// bootInstance starts a fresh Firecracker process and scratch directory for
// vmID, independent of any managedVM bookkeeping. Create and recreateVM both
// build on this.
func (m *Manager) bootInstance(ctx context.Context, vmID string, cid uint32) (*Instance, *firecracker.Machine, error) {
	tempDir, err := os.MkdirTemp("", "agentfleet-vm-"+vmID+"-")
	if err != nil {
		return nil, nil, fmt.Errorf("create vm scratch dir: %w", err)
	}

	inst := &Instance{
		ID:        vmID,
		CID:       cid,
		State:     StateCreating,
		tempDir:   tempDir,
		createdAt: time.Now(),
	}

	socketPath := m.socketPath(vmID)
	os.Remove(socketPath)

	machine, err := m.startFirecracker(ctx, inst, socketPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, nil, fmt.Errorf("start firecracker: %w", err)
	}
	inst.State = StateRunning

	vsockSocket := filepath.Join(tempDir, "vsock.sock")
	if err := waitForVsock(vsockSocket, 2*time.Second); err != nil {
		m.logger.WithField("vm_id", vmID).WithError(err).Warn("vsock endpoint not ready after boot wait, continuing anyway")
	}

	return inst, machine, nil
}

// recreateVM tears down mv's current Firecracker process and boots a
// replacement in its place, reusing the same managedVM and cmds channel so
// runCommandProcessor and any callers blocked on a reply never see the VM
// disappear from the registry. Used when a health probe fails between
// command retries.
func (m *Manager) recreateVM(ctx context.Context, vmID string, mv *managedVM) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	m.logger.WithField("vm_id", vmID).Warn("recreating vm after failed health probe")

	old := mv.instance
	terminateProcess(old.PID)
	os.RemoveAll(old.tempDir)
	os.Remove(m.socketPath(vmID))

	m.mu.Lock()
	cid := m.allocateCID()
	m.mu.Unlock()

	inst, machine, err := m.bootInstance(ctx, vmID, cid)
	if err != nil {
		return fmt.Errorf("recreate vm: %w", err)
	}

	mv.instance = inst
	mv.machine = machine
	mv.spawned = make(map[string]spawnedProcess)

	m.logger.WithFields(logrus.Fields{"vm_id": vmID, "cid": cid}).Info("vm recreated")
	return nil
}

func (m *Manager) startFirecracker(ctx context.Context, inst *Instance, socketPath string) (*firecracker.Machine, error) {
	vsockSocket := filepath.Join(inst.tempDir, "vsock.sock")

	// The root drive is a read-only squashfs image shared by every VM, so
	// no per-VM copy is made; all mutable guest state lives in memory.
	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: m.config.KernelPath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init root=/dev/vda rootfstype=squashfs ro",
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(m.config.RootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(true),
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{
				Path: vsockSocket,
				CID:  inst.CID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(m.config.VCPUs),
			MemSizeMib: firecracker.Int64(m.config.MemoryMB),
		},
	}

	cmd := firecracker.VMCommandBuilder{}.
		WithBin(m.config.FirecrackerPath).
		WithSocketPath(socketPath).
		Build(context.Background())

	machineCtx := context.Background()
	machine, err := firecracker.NewMachine(machineCtx, fcCfg, firecracker.WithProcessRunner(cmd), firecracker.WithLogger(logrus.NewEntry(m.logger)))
	if err != nil {
		return nil, err
	}
	if err := machine.Start(machineCtx); err != nil {
		return nil, err
	}
	if pid, err := machine.PID(); err == nil {
		inst.PID = pid
	}
	return machine, nil
}

// runCommandProcessor is the single goroutine that serializes every vsock
// exchange for one VM, so the host has at most one command in flight per
// VM at a time.
func (m *Manager) runCommandProcessor(vmID string, mv *managedVM) {
	for req := range mv.cmds {
		result := m.sendWithRetry(vmID, mv, req.cmd)
		req.reply <- result
	}
}

// sendWithRetry makes up to 3 attempts at a vsock exchange, sleeping 1s
// and then 2s between them, before giving up. Between attempts it re-resolves
// mv's current socket path — a retry can land after recreateVM has swapped
// in a new instance — and, if a health probe shows the VM unresponsive, it
// destroys and recreates it in place before the next attempt.
func (m *Manager) sendWithRetry(vmID string, mv *managedVM, cmd Command) CommandResult {
	timeout := DefaultCommandTimeout
	if cmd.TimeoutSeconds != nil {
		timeout = time.Duration(*cmd.TimeoutSeconds) * time.Second
	}

	var last CommandResult
	for attempt := 0; attempt < 3; attempt++ {
		mv.mu.Lock()
		socketPath := filepath.Join(mv.instance.tempDir, "vsock.sock")
		mv.mu.Unlock()

		result, err := sendCommand(socketPath, cmd, timeout)
		if err == nil {
			return result
		}
		last = result

		if attempt < 2 {
			if !probeHealth(mv) {
				if rerr := m.recreateVM(context.Background(), vmID, mv); rerr != nil {
					m.logger.WithField("vm_id", vmID).WithError(rerr).Error("vm recreate failed")
				}
			}
			time.Sleep(time.Second * time.Duration(1<<attempt))
		}
	}
	return last
}

// ExecuteCommand runs command synchronously in vmID's guest and blocks for
// its result.
func (m *Manager) ExecuteCommand(ctx context.Context, vmID, command string, args []string, workingDir *string, timeoutSeconds *uint64) (string, error) {
	mv, err := m.get(vmID)
	if err != nil {
		return "", err
	}

	cmd := Command{
		ID:             fmt.Sprintf("cmd_%d", time.Now().UnixNano()),
		Command:        command,
		Args:           args,
		WorkingDir:     workingDir,
		TimeoutSeconds: timeoutSeconds,
		Mode:           ModeForeground,
	}

	reply := make(chan CommandResult, 1)
	mv.cmds <- commandRequest{cmd: cmd, reply: reply}

	result := <-reply
	if result.Error != "" {
		return "", errors.New(result.Error)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("command failed with exit code %d: %s", result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// SpawnCommand starts command in the background and returns its command id
// immediately, without waiting for completion.
func (m *Manager) SpawnCommand(ctx context.Context, vmID, command string, args []string, workingDir *string, timeoutSeconds *uint64) (string, error) {
	mv, err := m.get(vmID)
	if err != nil {
		return "", err
	}

	cmdID := fmt.Sprintf("cmd_%d", time.Now().UnixNano())
	cmd := Command{
		ID:             cmdID,
		Command:        command,
		Args:           args,
		WorkingDir:     workingDir,
		TimeoutSeconds: timeoutSeconds,
		Mode:           ModeSpawn,
	}

	reply := make(chan CommandResult, 1)
	mv.cmds <- commandRequest{cmd: cmd, reply: reply}

	mv.mu.Lock()
	mv.spawned[cmdID] = spawnedProcess{commandID: cmdID}
	mv.mu.Unlock()

	go func() {
		result := <-reply
		mv.mu.Lock()
		if result.ExitCode == 0 {
			mv.spawned[cmdID] = spawnedProcess{commandID: cmdID, pid: result.Stdout}
		}
		mv.mu.Unlock()
	}()

	return cmdID, nil
}

// ListSpawnedProcesses returns the command ids of processes SpawnCommand
// has started in vmID that have not yet been stopped.
func (m *Manager) ListSpawnedProcesses(vmID string) ([]string, error) {
	mv, err := m.get(vmID)
	if err != nil {
		return nil, err
	}
	mv.mu.Lock()
	defer mv.mu.Unlock()
	ids := make([]string, 0, len(mv.spawned))
	for id := range mv.spawned {
		ids = append(ids, id)
	}
	return ids, nil
}

// StopSpawnedProcess asks vmID's guest to stop a previously spawned
// process.
func (m *Manager) StopSpawnedProcess(ctx context.Context, vmID, processID string) (string, error) {
	mv, err := m.get(vmID)
	if err != nil {
		return "", err
	}

	cmd := Command{
		ID:      "stop_" + processID,
		Command: "stop_spawned_process",
		Args:    []string{processID},
		Mode:    ModeForeground,
	}

	reply := make(chan CommandResult, 1)
	mv.cmds <- commandRequest{cmd: cmd, reply: reply}

	result := <-reply
	mv.mu.Lock()
	delete(mv.spawned, processID)
	mv.mu.Unlock()

	if result.Error != "" {
		return "", errors.New(result.Error)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("stop failed with exit code %d: %s", result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// probeHealth sends a cheap echo command straight over the socket,
// bypassing mv.cmds. It exists for sendWithRetry, which runs on the same
// goroutine that drains mv.cmds and would deadlock against itself if it
// queued the probe like an ordinary command.
func probeHealth(mv *managedVM) bool {
	mv.mu.Lock()
	socketPath := filepath.Join(mv.instance.tempDir, "vsock.sock")
	mv.mu.Unlock()

	result, err := sendCommand(socketPath, Command{ID: "health-check", Command: "echo", Args: []string{"healthy"}}, 5*time.Second)
	return err == nil && result.Error == "" && result.ExitCode == 0
}

// CheckHealth sends a cheap echo command to vmID and reports whether it
// answered, without blocking on DefaultCommandTimeout. Intended for external
// callers (e.g. a periodic reaper); sendWithRetry uses probeHealth instead.
func (m *Manager) CheckHealth(vmID string) bool {
	mv, err := m.get(vmID)
	if err != nil {
		return false
	}

	reply := make(chan CommandResult, 1)
	select {
	case mv.cmds <- commandRequest{cmd: Command{ID: "health-check", Command: "echo", Args: []string{"healthy"}}, reply: reply}:
	default:
		return false
	}

	select {
	case result := <-reply:
		return result.Error == "" && result.ExitCode == 0
	case <-time.After(5 * time.Second):
		return false
	}
}

// Destroy stops vmID's Firecracker process and releases its resources. The
// CID it held is never reissued.
func (m *Manager) Destroy(ctx context.Context, vmID string) error {
	m.mu.Lock()
	mv, exists := m.vms[vmID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVmNotFound, vmID)
	}
	mv.instance.State = StateDestroying
	delete(m.vms, vmID)
	m.mu.Unlock()

	terminateProcess(mv.instance.PID)
	close(mv.cmds)
	os.RemoveAll(mv.instance.tempDir)
	os.Remove(m.socketPath(vmID))

	mv.instance.State = StateGone
	m.logger.WithField("vm_id", vmID).Info("vm destroyed")
	return nil
}

// Shutdown tears down every tracked VM and marks the Manager as no longer
// accepting new ones. Intended for the host process's own graceful
// shutdown path; unlike Destroy it does not need mv.cmds drained by a live
// runCommandProcessor first, since nothing will read replies afterward.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	vms := m.vms
	m.vms = make(map[string]*managedVM)
	m.mu.Unlock()

	for vmID, mv := range vms {
		mv.instance.State = StateDestroying
		terminateProcess(mv.instance.PID)
		close(mv.cmds)
		os.RemoveAll(mv.instance.tempDir)
		os.Remove(m.socketPath(vmID))
		mv.instance.State = StateGone
		m.logger.WithField("vm_id", vmID).Info("vm destroyed during shutdown")
	}
}

// terminateProcess sends SIGTERM to pid, gives it 500ms to exit, then
// escalates to SIGKILL if it is still alive. A pid of 0 (never captured, or
// already reaped) is a no-op.
func terminateProcess(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}
	time.Sleep(500 * time.Millisecond)
	if err := syscall.Kill(pid, 0); err == nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// EmergencyCleanup kills every firecracker process on the host, regardless
// of which Manager (if any) started it. It exists for test harnesses and
// crash-recovery scripts that need a guaranteed-clean slate and cannot rely
// on a Manager instance surviving to call Shutdown.
func EmergencyCleanup(logger *logrus.Logger) error {
	out, err := exec.Command("pgrep", "-f", "firecracker").Output()
	if err != nil {
		// pgrep exits 1 when nothing matches; that is success here.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("pgrep firecracker: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && logger != nil {
			logger.WithField("pid", pid).WithError(err).Warn("emergency kill failed")
		}
	}
	return nil
}

// ShuttingDown reports whether Shutdown has been called. HttpProxyBridge and
// LogBridge poll this between accept attempts so they notice a host-wide
// shutdown even though they do not go through per-VM Destroy.
func (m *Manager) ShuttingDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuttingDown
}

// AnyInstance returns the id and scratch directory of an arbitrary tracked
// VM. The proxy and log bridges share one socket across every VM and derive
// its path — and, for the log bridge, its log-line prefix — from whichever
// VM happens to exist first, matching the host's own per-VM
// <tmp>/vsock.sock naming.
func (m *Manager) AnyInstance() (vmID, tempDir string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, mv := range m.vms {
		return id, mv.instance.tempDir, true
	}
	return "", "", false
}

// List returns a snapshot of every tracked VM.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.vms))
	for _, mv := range m.vms {
		out = append(out, m.snapshot(mv))
	}
	return out
}

func (m *Manager) get(vmID string) (*managedVM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mv, exists := m.vms[vmID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrVmNotFound, vmID)
	}
	return mv, nil
}

func (m *Manager) snapshot(mv *managedVM) Snapshot {
	return Snapshot{
		ID:        mv.instance.ID,
		CID:       mv.instance.CID,
		State:     mv.instance.State.String(),
		CreatedAt: mv.instance.createdAt,
	}
}

func (m *Manager) socketPath(vmID string) string {
	return filepath.Join(m.config.SocketDir, vmID+".sock")
}

func waitForVsock(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("vsock socket %s not ready after %s", path, timeout)
}

