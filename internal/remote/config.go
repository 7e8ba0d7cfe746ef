// Package remote builds the shell command strings used to reach a
// service's VM: an SSH liveness probe, an SCP file transfer, and a fab
// task invocation that drives the boot/ready/terminate programs
// remotely. It composes strings; it never executes anything itself --
// execution is always delegated to a pollable.ProcessPollable so the
// engine stays non-blocking.
package remote

import "os"

// Config names the executables and layout used when composing remote
// commands. Every field is overridable via an environment variable so
// an operator can point fleetboot at a vendored or wrapped binary
// without a code change.
type Config struct {
	SSH string
	SCP string
	Fab string

	// Fabfile is the path to the fabfile.py (or equivalent task
	// runner script) that defines the bootpgm/readypgm/terminatepgm
	// fab tasks.
	Fabfile string

	// RemoteWorkingDir is the parent directory under which each
	// service gets its own staging subdirectory on the target VM.
	RemoteWorkingDir string
}

// DefaultConfig returns a Config seeded from CLOUDBOOT_SSH,
// CLOUDBOOT_SCP, CLOUDBOOT_FAB, CLOUDBOOT_FABFILE, and
// REMOTE_WORKING_DIR, falling back to sane defaults when unset.
func DefaultConfig() Config {
	cfg := Config{
		SSH:              "ssh",
		SCP:              "scp",
		Fab:              "fab",
		Fabfile:          "/usr/local/share/fleetboot/fabfile.py",
		RemoteWorkingDir: "/tmp/fleetboot",
	}
	if v := os.Getenv("CLOUDBOOT_SSH"); v != "" {
		cfg.SSH = v
	}
	if v := os.Getenv("CLOUDBOOT_SCP"); v != "" {
		cfg.SCP = v
	}
	if v := os.Getenv("CLOUDBOOT_FAB"); v != "" {
		cfg.Fab = v
	}
	if v := os.Getenv("CLOUDBOOT_FABFILE"); v != "" {
		cfg.Fabfile = v
	}
	if v := os.Getenv("REMOTE_WORKING_DIR"); v != "" {
		cfg.RemoteWorkingDir = v
	}
	return cfg
}
