package iaas

import "os"

// UseMemoryEnv names the environment variable that, when set to any
// non-empty value, selects the deterministic in-memory Cloud double
// instead of the real EC2 backend.
const UseMemoryEnv = "CLOUDBOOT_TESTENV"

// NewCloudFromEnv returns a MemoryCloud when UseMemoryEnv is set, and
// a real Ec2Cloud otherwise. Call it once per run and thread the
// result through every service; its lifetime is the run's lifetime,
// never a package-level global.
func NewCloudFromEnv() Cloud {
	if os.Getenv(UseMemoryEnv) != "" {
		return NewMemoryCloud()
	}
	return NewEc2Cloud()
}
