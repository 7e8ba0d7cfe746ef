package remote

import (
	"fmt"
	"net/url"
	"strings"
)

// SSHTarget is the subset of a service record needed to address its
// VM. It is a plain struct rather than a reference to internal/fleet
// so this package has no dependency on the orchestration layer it
// serves.
type SSHTarget struct {
	Host     string
	User     string
	Port     int
	LocalKey string
}

// StageDir is the per-service staging directory on the remote VM.
func StageDir(cfg Config, serviceName string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(cfg.RemoteWorkingDir, "/"), serviceName)
}

// SSHProbeCommand builds a non-interactive SSH liveness check: it
// succeeds the instant the daemon accepts the session and runs
// /bin/true, without requiring any shell setup on the remote side.
func SSHProbeCommand(cfg Config, t SSHTarget) string {
	return fmt.Sprintf(
		"%s -n -T -o BatchMode=yes -o StrictHostKeyChecking=no -o PasswordAuthentication=no -i %s %s@%s /bin/true",
		shellQuote(cfg.SSH), shellQuote(t.LocalKey), shellQuote(t.User), shellQuote(t.Host),
	)
}

// SCPCommand builds a file transfer to or from the target. Upload
// copies localPath to the VM at remotePath; otherwise the transfer
// runs in the opposite direction.
func SCPCommand(cfg Config, t SSHTarget, localPath, remotePath string, recursive, upload bool) string {
	flags := "-o BatchMode=yes -o StrictHostKeyChecking=no -o PasswordAuthentication=no"
	if recursive {
		flags = "-r " + flags
	}
	remote := fmt.Sprintf("%s@%s:%s", shellQuote(t.User), shellQuote(t.Host), remotePath)
	src, dst := localPath, remote
	if !upload {
		src, dst = remote, localPath
	}
	return fmt.Sprintf("%s %s -i %s %s %s", shellQuote(cfg.SCP), flags, shellQuote(t.LocalKey), src, dst)
}

// ProgramSpec describes a single boot/ready/terminate program
// invocation to be driven through the fab task runner.
type ProgramSpec struct {
	// Task is the fab task name: "bootpgm", "readypgm", or
	// "terminatepgm".
	Task string
	Host string
	Pgm  string
	Args string

	// Conf, EnvConf, and Output are only meaningful for the bootpgm
	// task: the rendered configuration file, its companion shell-env
	// export file, and the path the boot program's JSON result is
	// expected at.
	Conf    string
	EnvConf string
	Output  string

	StageDir string
}

// FabCommand builds the fab invocation that drives a program on the
// target VM via the named task.
func FabCommand(cfg Config, t SSHTarget, spec ProgramSpec) string {
	args := []string{
		"hosts=" + spec.Host,
		"pgm=" + spec.Pgm,
		"args=" + url.QueryEscape(spec.Args),
	}
	if spec.Task == "bootpgm" {
		args = append(args,
			"conf="+spec.Conf,
			"env_conf="+spec.EnvConf,
			"output="+spec.Output,
		)
	}
	args = append(args, "stagedir="+spec.StageDir)

	return fmt.Sprintf(
		"%s -f %s -D -u %s -i %s '%s:%s'",
		shellQuote(cfg.Fab), shellQuote(cfg.Fabfile), shellQuote(t.User), shellQuote(t.LocalKey),
		spec.Task, strings.Join(args, ","),
	)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
