// ABOUTME: Resolves which broker session the current process belongs to
// ABOUTME: Uses the env var first, then state files matched by process ancestry

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// EnvSessionID is the environment variable carrying the session identity.
const EnvSessionID = "AGENT_NETWORK_SESSION_ID"

// ErrUnresolved is returned when no session identity can be determined for
// this process.
var ErrUnresolved = errors.New("cannot resolve session id: set " + EnvSessionID +
	" or ensure the session-start hook has run")

// State is the per-session identity record written by the session-start
// hook and matched against the process tree by Resolve.
type State struct {
	SessionID string  `json:"session_id"`
	ParentPID int     `json:"parent_pid"`
	CreatedAt float64 `json:"created_at"`
}

var (
	mu     sync.Mutex
	cached string
)

// Resolve determines the session ID for the current process. The env var
// wins; otherwise the state directory is scanned for a file whose recorded
// parent PID is an ancestor of this process. The result is cached for the
// lifetime of the process.
func Resolve(stateDir string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	if sessionID := os.Getenv(EnvSessionID); sessionID != "" {
		cached = sessionID
		return sessionID, nil
	}

	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return "", ErrUnresolved
	}

	ancestors := ancestry(os.Getpid())
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		state, err := readState(filepath.Join(stateDir, entry.Name()))
		if err != nil {
			continue
		}
		if state.ParentPID != 0 && ancestors[state.ParentPID] {
			cached = state.SessionID
			return state.SessionID, nil
		}
	}

	return "", ErrUnresolved
}

// ResetCache clears the cached session ID. Test hook.
func ResetCache() {
	mu.Lock()
	cached = ""
	mu.Unlock()
}

// ancestry walks up the process tree and returns all ancestor PIDs,
// including this process and init.
func ancestry(pid int) map[int]bool {
	pids := map[int]bool{1: true}
	for pid > 1 {
		pids[pid] = true
		proc, err := ps.FindProcess(pid)
		if err != nil || proc == nil {
			break
		}
		ppid := proc.PPid()
		if ppid == pid {
			break
		}
		pid = ppid
	}
	return pids
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.SessionID == "" {
		return nil, errors.New("state file missing session_id")
	}
	return &state, nil
}

// WriteState records a session's identity so sibling processes spawned
// under the same parent can resolve it later.
func WriteState(stateDir, sessionID string, parentPID int) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	state := State{
		SessionID: sessionID,
		ParentPID: parentPID,
		CreatedAt: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	path := filepath.Join(stateDir, sessionID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// CleanStale removes state files whose recorded parent process no longer
// exists. The file for keepSessionID is always left alone.
func CleanStale(stateDir, keepSessionID string) {
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == keepSessionID+".json" {
			continue
		}
		path := filepath.Join(stateDir, name)
		state, err := readState(path)
		if err != nil {
			continue
		}
		proc, err := ps.FindProcess(state.ParentPID)
		if err == nil && proc != nil {
			continue // owner still running
		}
		os.Remove(path)
	}
}
