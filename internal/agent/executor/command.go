package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultJVMArgs are used when the payload does not override them.
var DefaultJVMArgs = []string{
	"-noverify",
	"-Xmx128m",
	"-Djavax.el.varArgs=true",
	"-Djava.security.egd=file:/dev/./urandom",
	"-Djava.net.preferIPv4Stack=true",
}

// CommandBuilder turns a payload layout into the command line of the
// job process. depsFile lists the resolved dependency paths, one per
// line; it is empty when the job has no dependencies.
type CommandBuilder interface {
	Build(layout PayloadLayout, depsFile string) []string
}

// JVMCommandBuilder starts the runner on a JVM.
type JVMCommandBuilder struct {
	JavaCmd    string
	JVMArgs    []string
	RunnerPath string
	MainClass  string
	AgentID    string
	ServerURL  string
}

// Build implements CommandBuilder.
func (b *JVMCommandBuilder) Build(layout PayloadLayout, depsFile string) []string {
	java := b.JavaCmd
	if java == "" {
		java = "java"
	}

	jvmArgs := b.JVMArgs
	if len(jvmArgs) == 0 {
		jvmArgs = DefaultJVMArgs
	}
	if layout.Params != nil && len(layout.Params.JVMArgs) > 0 {
		jvmArgs = layout.Params.JVMArgs
	}

	cmd := make([]string, 0, len(jvmArgs)+8)
	cmd = append(cmd, java)
	cmd = append(cmd, jvmArgs...)
	if b.AgentID != "" {
		cmd = append(cmd, "-Dfleet.agentId="+b.AgentID)
	}
	if b.ServerURL != "" {
		cmd = append(cmd, "-Dfleet.serverUrl="+b.ServerURL)
	}
	cmd = append(cmd, "-cp", b.RunnerPath, b.MainClass)
	if depsFile != "" {
		cmd = append(cmd, depsFile)
	}
	return cmd
}

// CommandHash identifies processes started with the same command line.
// Two jobs may share a pre-started process only if their hashes match.
func CommandHash(cmd []string) string {
	sum := sha256.Sum256([]byte(strings.Join(cmd, "\x00")))
	return hex.EncodeToString(sum[:])
}

// writeDepsList stores paths in dir under a name derived from their
// contents so identical dependency sets produce identical commands.
func writeDepsList(dir string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}

	content := strings.Join(paths, "\n") + "\n"
	sum := sha256.Sum256([]byte(content))
	name := filepath.Join(dir, hex.EncodeToString(sum[:])+".deps")

	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create dependency list directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".deps-*")
	if err != nil {
		return "", fmt.Errorf("failed to write dependency list: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write dependency list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write dependency list: %w", err)
	}
	return name, nil
}
