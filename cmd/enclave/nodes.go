package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// registryEntry records one spawned dev node, so later `nodes stop`/`down`
// invocations (a fresh process) can still find and signal it.
type registryEntry struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// nodeRegistryPath is where the dev harness tracks spawned child processes:
// one JSON file per working directory, beside the config files it reads.
func nodeRegistryPath(dir string) string {
	return filepath.Join(dir, ".enclave-nodes.json")
}

func loadRegistry(dir string) (map[string]registryEntry, error) {
	raw, err := os.ReadFile(nodeRegistryPath(dir))
	if os.IsNotExist(err) {
		return map[string]registryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []registryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	reg := make(map[string]registryEntry, len(entries))
	for _, e := range entries {
		reg[e.Name] = e
	}
	return reg, nil
}

func saveRegistry(dir string, reg map[string]registryEntry) error {
	entries := make([]registryEntry, 0, len(reg))
	for _, e := range reg {
		entries = append(entries, e)
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(nodeRegistryPath(dir), raw, 0o644)
}

// nodesCmd is a local multi-node development harness: it spawns this same
// binary once per named node config found in --dir; each child runs the
// ordinary `start` path, with the pebble store at its config's data_dir, so
// a devnet of several ciphernodes can be driven from one machine without a
// process manager.
// It is not part of spec.md's external interface; it exists to exercise
// the rest of the CLI against a multi-node setup during development.
func nodesCmd() *cobra.Command {
	var dir string
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "Local multi-node development harness",
	}
	nodes.PersistentFlags().StringVar(&dir, "dir", "./devnet", "directory containing <name>.config.yaml / <name>.secrets.json pairs")

	nodes.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Start every node found in --dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := discoverNodeNames(dir)
			if err != nil {
				return err
			}
			for _, name := range names {
				if err := startNode(dir, name); err != nil {
					return err
				}
			}
			return nil
		},
	})
	nodes.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Stop every running node in --dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(dir)
			if err != nil {
				return err
			}
			for name := range reg {
				if err := stopNode(dir, name); err != nil {
					return err
				}
			}
			return nil
		},
	})
	nodes.AddCommand(&cobra.Command{
		Use:   "start <name>",
		Short: "Start one named node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startNode(dir, args[0])
		},
	})
	nodes.AddCommand(&cobra.Command{
		Use:   "stop <name>",
		Short: "Stop one named node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopNode(dir, args[0])
		},
	})
	return nodes
}

func discoverNodeNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read devnet dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		const suffix = ".config.yaml"
		if !e.IsDir() && len(e.Name()) > len(suffix) && e.Name()[len(e.Name())-len(suffix):] == suffix {
			names = append(names, e.Name()[:len(e.Name())-len(suffix)])
		}
	}
	return names, nil
}

func startNode(dir, name string) error {
	reg, err := loadRegistry(dir)
	if err != nil {
		return err
	}
	if entry, ok := reg[name]; ok && processAlive(entry.PID) {
		return fmt.Errorf("node %s already running (pid %d)", name, entry.PID)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	cfgPath := filepath.Join(dir, name+".config.yaml")
	secretsPath := filepath.Join(dir, name+".secrets.json")
	cmd := exec.Command(self, "start", "--config", cfgPath, "--secrets", secretsPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start node %s: %w", name, err)
	}

	reg[name] = registryEntry{Name: name, PID: cmd.Process.Pid}
	if err := saveRegistry(dir, reg); err != nil {
		return fmt.Errorf("record node %s in registry: %w", name, err)
	}
	fmt.Printf("started node %s (pid %d)\n", name, cmd.Process.Pid)
	return nil
}

func stopNode(dir, name string) error {
	reg, err := loadRegistry(dir)
	if err != nil {
		return err
	}
	entry, ok := reg[name]
	if !ok {
		return fmt.Errorf("node %s is not tracked in %s", name, nodeRegistryPath(dir))
	}
	proc, err := os.FindProcess(entry.PID)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	delete(reg, name)
	if err := saveRegistry(dir, reg); err != nil {
		return fmt.Errorf("update registry after stopping %s: %w", name, err)
	}
	fmt.Printf("stopped node %s (pid %d)\n", name, entry.PID)
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
