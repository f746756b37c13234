package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known entries of an unpacked job payload.
const (
	LibDir          = "lib"
	AgentParamsFile = "_agent.json"
	AttachmentsDir  = "_attachments"
	InstanceIDFile  = "_instanceId"
)

// AgentParams are per-job overrides shipped inside the payload.
type AgentParams struct {
	JVMArgs      []string `json:"jvmArgs,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Debug        bool     `json:"debug,omitempty"`
}

// PayloadLayout describes what a payload directory contains.
type PayloadLayout struct {
	Dir          string
	HasLibraries bool
	Params       *AgentParams
}

// InspectPayload reads the layout of the payload unpacked at dir.
func InspectPayload(dir string) (PayloadLayout, error) {
	l := PayloadLayout{Dir: dir}

	if fi, err := os.Stat(filepath.Join(dir, LibDir)); err == nil && fi.IsDir() {
		entries, err := os.ReadDir(filepath.Join(dir, LibDir))
		if err != nil {
			return l, fmt.Errorf("failed to read payload libraries: %w", err)
		}
		l.HasLibraries = len(entries) > 0
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentParamsFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return l, fmt.Errorf("failed to read %s: %w", AgentParamsFile, err)
	default:
		var p AgentParams
		if err := json.Unmarshal(data, &p); err != nil {
			return l, fmt.Errorf("invalid %s: %w", AgentParamsFile, err)
		}
		l.Params = &p
	}

	return l, nil
}

// CanUsePrefork reports whether the job can run in a pre-started process.
// Payloads that bring their own libraries or agent parameters change the
// command or the classpath and need a dedicated process.
func (l PayloadLayout) CanUsePrefork() bool {
	return !l.HasLibraries && l.Params == nil
}

// Dependencies returns the extra dependencies requested by the payload.
func (l PayloadLayout) Dependencies() []string {
	if l.Params == nil {
		return nil
	}
	return l.Params.Dependencies
}

// Debug reports whether the payload asked for verbose agent output.
func (l PayloadLayout) Debug() bool {
	return l.Params != nil && l.Params.Debug
}
