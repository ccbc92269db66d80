package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// agentProcess is the supervised subprocess behind one agent. The
// command file is written before the process starts; stdout and stderr
// are redirected into the agent log.
type agentProcess struct {
	info  *domain.AgentInfo
	phase domain.Phase
	dir   string

	cmd     *exec.Cmd
	logFile *os.File

	mu       sync.Mutex
	started  bool
	exited   bool
	exitCode int
}

func newAgentProcess(info *domain.AgentInfo, phase domain.Phase, dir string) *agentProcess {
	return &agentProcess{info: info, phase: phase, dir: dir}
}

func (p *agentProcess) logPath() string      { return filepath.Join(p.dir, logFileName) }
func (p *agentProcess) responsePath() string { return filepath.Join(p.dir, responseFileName) }

// start writes the command file and launches the worker with its agent
// directory as working directory. The worker learns its identity from
// the environment and the command file.
func (p *agentProcess) start(ctx context.Context, command string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create agent directory %s: %w", p.dir, err)
	}

	cmd := commandFile{
		AgentID:         p.info.AgentID,
		PhaseID:         p.phase.ID,
		PhaseName:       p.phase.Name,
		Description:     p.phase.Description,
		ExpectedOutputs: p.phase.Outputs,
		IssuedAt:        time.Now(),
	}
	if err := writeJSONAtomic(filepath.Join(p.dir, commandFileName), cmd); err != nil {
		return err
	}

	logFile, err := os.OpenFile(p.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open agent log %s: %w", p.logPath(), err)
	}

	proc := exec.CommandContext(ctx, command)
	proc.Dir = p.dir
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.Env = append(os.Environ(),
		"CLAUDEOPS_AGENT_ID="+p.info.AgentID,
		"CLAUDEOPS_PHASE_ID="+p.phase.ID,
		"CLAUDEOPS_AGENT_DIR="+p.dir,
	)

	if err := proc.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start agent command %q: %w", command, err)
	}

	p.mu.Lock()
	p.cmd = proc
	p.logFile = logFile
	p.started = true
	p.mu.Unlock()

	go p.wait()
	return nil
}

// wait reaps the process and records its exit code.
func (p *agentProcess) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
	p.mu.Unlock()
}

func (p *agentProcess) hasExited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}

// health derives the agent status from the process state and the files
// the worker wrote. A clean exit still requires a completed response; a
// worker that exits zero without one is treated as an error.
func (p *agentProcess) health() domain.AgentStatus {
	exited, code := p.hasExited()
	if !exited {
		var st agentStateFile
		if err := readJSON(filepath.Join(p.dir, stateFileName), &st); err == nil {
			switch st.Status {
			case "assigned":
				return domain.AgentAssigned
			case "idle":
				return domain.AgentIdle
			}
		}
		return domain.AgentWorking
	}

	if code != 0 {
		return domain.AgentError
	}

	var resp responseFile
	if err := readJSON(p.responsePath(), &resp); err != nil {
		return domain.AgentError
	}
	if resp.Status == responseCompleted {
		return domain.AgentCompleted
	}
	return domain.AgentError
}

// terminate stops the worker. Graceful termination sends SIGTERM and
// escalates to SIGKILL after the grace period; otherwise SIGKILL is
// sent immediately.
func (p *agentProcess) terminate(graceful bool, grace time.Duration) error {
	p.mu.Lock()
	if !p.started || p.exited {
		p.mu.Unlock()
		return nil
	}
	proc := p.cmd.Process
	p.mu.Unlock()

	if !graceful {
		return proc.Kill()
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if exited, _ := p.hasExited(); exited {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return proc.Kill()
}

// outputs returns the output files reported in the worker's response,
// or nil when no response exists.
func (p *agentProcess) outputs() []string {
	var resp responseFile
	if err := readJSON(p.responsePath(), &resp); err != nil {
		return nil
	}
	return resp.Outputs
}

// failureReason returns the worker-reported error, if any.
func (p *agentProcess) failureReason() string {
	var resp responseFile
	if err := readJSON(p.responsePath(), &resp); err != nil {
		if exited, code := p.hasExited(); exited && code != 0 {
			return fmt.Sprintf("agent exited with code %d", code)
		}
		return "agent produced no response"
	}
	return resp.Error
}
