package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/logging"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

func newTestAgent(t *testing.T) *config.AgentConfig {
	t.Helper()
	root := t.TempDir()
	return &config.AgentConfig{
		Runner:                config.RunnerProcess,
		Instances:             1,
		RootFolder:            root,
		GameLogsFolder:        filepath.Join(root, "GameLogs"),
		ConfigFolder:          filepath.Join(root, "Config"),
		AssetsFolder:          filepath.Join(root, "Assets"),
		ContainerAgentAddress: "172.17.0.1",
		VMID:                  "vm-test",
		Region:                "TestRegion",
		TitleID:               "title",
		BuildID:               "build",
	}
}

func newTestOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Agent:     newTestAgent(t),
		AgentPort: 56001,
		Store:     sessionhost.NewStore(),
		Logger:    logging.Discard(),
	}
}

func testStartInfo() *models.SessionHostsStartInfo {
	return &models.SessionHostsStartInfo{
		AssignmentID:     "assignment",
		SessionHostType:  models.SessionHostTypeProcess,
		StartGameCommand: "game/server -port 7777",
		PortMappingsList: [][]models.PortMapping{
			{
				{PublicPort: 30000, NodePort: 30000, GamePort: models.Port{Name: "game_port", Number: 7777, Protocol: "UDP"}},
			},
		},
		ImageDetails: models.ContainerImageDetails{ImageName: "mygame", ImageTag: "1.0"},
	}
}

// fakeProcesses is an in-memory ProcessWrapper.
type fakeProcesses struct {
	mu       sync.Mutex
	startErr error
	killErr  error
	nextPid  int
	started  []ProcessSpec
	killed   []int
	stderr   map[int]string
	running  map[int]chan struct{}
	exitCode map[int]int
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{
		nextPid:  1000,
		stderr:   make(map[int]string),
		running:  make(map[int]chan struct{}),
		exitCode: make(map[int]int),
	}
}

func (f *fakeProcesses) Start(spec ProcessSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextPid++
	f.started = append(f.started, spec)
	f.running[f.nextPid] = make(chan struct{})
	return f.nextPid, nil
}

func (f *fakeProcesses) StandardError(pid int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[pid]; !ok {
		return nil, ErrProcessNotTracked
	}
	return io.NopCloser(strings.NewReader(f.stderr[pid])), nil
}

func (f *fakeProcesses) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	done, ok := f.running[pid]
	if !ok {
		return errors.New("no such process")
	}
	f.killed = append(f.killed, pid)
	f.exitCode[pid] = 137
	close(done)
	delete(f.running, pid)
	return nil
}

func (f *fakeProcesses) exit(pid, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCode[pid] = code
	close(f.running[pid])
	delete(f.running, pid)
}

func (f *fakeProcesses) List() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	pids := make([]int, 0, len(f.running))
	for pid := range f.running {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (f *fakeProcesses) WaitForProcessExit(ctx context.Context, pid int) error {
	f.mu.Lock()
	done, ok := f.running[pid]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeProcesses) ExitCode(pid int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.exitCode[pid]
	return code, ok
}
