package selfheal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ProcessStatus is the externally observed state of a managed process.
type ProcessStatus string

const (
	ProcessOnline  ProcessStatus = "online"
	ProcessStopped ProcessStatus = "stopped"
	ProcessErrored ProcessStatus = "errored"
)

// ProcessInfo describes one process reported by the process manager.
type ProcessInfo struct {
	Name   string
	Status ProcessStatus
}

// ProcessManager abstracts the external process supervisor the self-healing
// loop drives. Implementations must be safe for concurrent use.
type ProcessManager interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Restart(ctx context.Context, name string) error
}

// ExecManager shells out to a configured process manager CLI. The list
// command must print one process per line as "name status"; the restart
// command gets the process name appended as its final argument.
type ExecManager struct {
	listCommand    []string
	restartCommand []string
}

// NewExecManager builds an ExecManager from the configured command strings.
func NewExecManager(listCommand, restartCommand string) (*ExecManager, error) {
	list := strings.Fields(listCommand)
	restart := strings.Fields(restartCommand)
	if len(list) == 0 || len(restart) == 0 {
		return nil, fmt.Errorf("process manager commands must not be empty")
	}
	return &ExecManager{listCommand: list, restartCommand: restart}, nil
}

// List runs the list command and parses its output.
func (e *ExecManager) List(ctx context.Context) ([]ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, e.listCommand[0], e.listCommand[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("process list command failed: %w", err)
	}

	var procs []ProcessInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		procs = append(procs, ProcessInfo{
			Name:   fields[0],
			Status: ProcessStatus(strings.ToLower(fields[1])),
		})
	}
	return procs, scanner.Err()
}

// Restart runs the restart command for a named process.
func (e *ExecManager) Restart(ctx context.Context, name string) error {
	args := append(append([]string{}, e.restartCommand[1:]...), name)
	if out, err := exec.CommandContext(ctx, e.restartCommand[0], args...).CombinedOutput(); err != nil {
		return fmt.Errorf("restart of %s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
