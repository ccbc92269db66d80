package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names making up the agent directory protocol. The orchestrator
// writes the command file before starting the worker; the worker appends
// to the log, may heartbeat through the state file, and writes the
// response file when done.
const (
	commandFileName  = "command.json"
	responseFileName = "response.json"
	logFileName      = "agent.log"
	stateFileName    = "state.json"
)

// commandFile is the work order handed to a worker subprocess.
type commandFile struct {
	AgentID         string    `json:"agent_id"`
	PhaseID         string    `json:"phase_id"`
	PhaseName       string    `json:"phase_name"`
	Description     string    `json:"description,omitempty"`
	ExpectedOutputs []string  `json:"expected_outputs,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
}

// responseFile is the result a worker writes when it finishes.
type responseFile struct {
	AgentID     string    `json:"agent_id"`
	PhaseID     string    `json:"phase_id"`
	Status      string    `json:"status"`
	Outputs     []string  `json:"outputs,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	responseCompleted = "completed"
	responseFailed    = "failed"
)

// agentStateFile is an optional heartbeat a worker may maintain while
// running.
type agentStateFile struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// writeJSONAtomic writes v as JSON via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// readJSON loads a JSON file into v, reporting os.ErrNotExist untouched
// so callers can distinguish "not written yet".
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
