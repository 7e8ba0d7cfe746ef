package fleet_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetboot/fleetboot/internal/fleet"
	"github.com/fleetboot/fleetboot/internal/iaas"
	"github.com/fleetboot/fleetboot/internal/remote"
	"github.com/fleetboot/fleetboot/internal/store"
)

// fakeFabScript is a POSIX-sh stand-in for the real fab task runner:
// it pulls pgm= out of the trailing 'task:k=v,...' argument and execs
// it directly, so a boot/ready/terminate program can be any small
// script without a real SSH/fab toolchain in the test environment.
const fakeFabScript = `#!/bin/sh
taskarg=""
while [ $# -gt 0 ]; do
  case "$1" in
    -f) shift 2 ;;
    -D) shift ;;
    -u) shift 2 ;;
    -i) shift 2 ;;
    *) taskarg="$1"; shift ;;
  esac
done
args="${taskarg#*:}"
pgm=""
saved_ifs="$IFS"
IFS=','
for kv in $args; do
  k="${kv%%=*}"
  v="${kv#*=}"
  if [ "$k" = "pgm" ]; then pgm="$v"; fi
done
IFS="$saved_ifs"
exec "$pgm"
`

func writeExecutable(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

// fakeRemoteConfig builds a remote.Config that drives every
// boot/ready/terminate program through fakeFabScript and uses the
// real /bin/true binary for SSH liveness probes.
func fakeRemoteConfig(t *testing.T) remote.Config {
	t.Helper()
	dir := t.TempDir()
	fab := writeExecutable(t, dir, "fakefab.sh", fakeFabScript)
	return remote.Config{
		SSH: "/bin/true", Fab: fab, Fabfile: "unused",
		RemoteWorkingDir: t.TempDir(),
	}
}

// listenLocal opens a loopback listener so PortPollable has something
// real to dial, standing in for a VM's sshd.
func listenLocal(t *testing.T) (host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func drivePlan(t *testing.T, p *fleet.Plan, maxIterations int) error {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxIterations; i++ {
		done, err := p.Poll(ctx)
		if done {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("plan did not finish in time")
	return nil
}

func memoryCloudOnHost(host string) *iaas.MemoryCloud {
	c := iaas.NewMemoryCloud()
	c.LaunchDelay = 1 * time.Millisecond
	c.TerminateDelay = 1 * time.Millisecond
	c.HostnameFunc = func(id string) string { return host }
	return c
}

// TestPlan_TwoLevelBringUp is scenario S1: a level-1 service launches
// and boots, exporting an attribute; a level-2 service references the
// first service's hostname and its own readypgm runs after.
func TestPlan_TwoLevelBringUp(t *testing.T) {
	host, port := listenLocal(t)
	cloud := memoryCloudOnHost(host)
	cfg := fakeRemoteConfig(t)
	scriptDir := t.TempDir()

	bootOK := writeExecutable(t, scriptDir, "boot-ok.sh", "#!/bin/sh\necho '{\"zone\":\"us-east-1a\"}'\n")

	st := store.NewMemoryStore()
	plan := fleet.NewPlan(st, cloud, cfg, nil)

	require.NoError(t, plan.AddLevel([]*fleet.Record{
		{Name: "A", Image: "ami-fake", InstanceType: "t3.micro", KeyName: "k",
			Username: "ubuntu", SSHPort: port, BootPgm: bootOK},
	}))
	require.NoError(t, plan.AddLevel([]*fleet.Record{
		{Name: "B", Hostname: "${A.hostname}", Username: "ubuntu", SSHPort: port,
			ReadyPgm: "/bin/true"},
	}))

	require.NoError(t, plan.BringUp(context.Background()))
	err := drivePlan(t, plan, 2000)
	require.NoError(t, err)

	svcA, ok := plan.Service("A")
	require.True(t, ok)
	svcB, ok := plan.Service("B")
	require.True(t, ok)

	assert.Equal(t, fleet.StateContextualized, svcA.Record().State)
	// B has no BootPgm, so per the state diagram a ready-only service
	// settles at launched rather than contextualized.
	assert.Equal(t, fleet.StateLaunched, svcB.Record().State)
	assert.NotEmpty(t, svcA.Record().Hostname)
	assert.Equal(t, svcA.Record().Hostname, svcB.Record().Hostname)
	if zone, ok := svcA.GetDep("zone"); assert.True(t, ok) {
		assert.Equal(t, "us-east-1a", zone)
	}

	// The contextualized transition and its exported attributes must
	// have been committed to the store, not just held in memory.
	persistedA, err := st.Load(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, fleet.StateContextualized, persistedA.State)
	require.NotEmpty(t, persistedA.Exported)
	assert.Equal(t, "zone", persistedA.Exported[0].Key)
	assert.Equal(t, "us-east-1a", persistedA.Exported[0].Value)

	doc := plan.GetJSONDoc()
	levels, ok := doc["levels"].([]any)
	require.True(t, ok)
	require.Len(t, levels, 2)
	level1, ok := levels[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, level1, "A")
	level2, ok := levels[1].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, level2, "B")
}

// TestPlan_RestartRecoversFromTransientBootFailure is scenario S2: the
// boot program fails enough times to exhaust the process pollable's
// own retry budget, the callback asks for a restart, and the second
// attempt succeeds.
func TestPlan_RestartRecoversFromTransientBootFailure(t *testing.T) {
	host, port := listenLocal(t)
	cloud := memoryCloudOnHost(host)
	cfg := fakeRemoteConfig(t)
	scriptDir := t.TempDir()
	counterFile := filepath.Join(scriptDir, "attempts")

	bootFlaky := writeExecutable(t, scriptDir, "boot-flaky.sh", fmt.Sprintf(`#!/bin/sh
n=$(cat %s 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > %s
if [ "$n" -lt 3 ]; then
  exit 1
fi
echo '{}'
`, counterFile, counterFile))

	restarts := 0
	callback := func(s *fleet.Service, action fleet.Action, msg string, err error) fleet.Decision {
		if action == fleet.ActionError {
			restarts++
			return fleet.DecisionRestart
		}
		return fleet.DecisionPropagate
	}

	st := store.NewMemoryStore()
	plan := fleet.NewPlan(st, cloud, cfg, callback)
	require.NoError(t, plan.AddLevel([]*fleet.Record{
		{Name: "A", Image: "ami-fake", InstanceType: "t3.micro", KeyName: "k",
			Username: "ubuntu", SSHPort: port, BootPgm: bootFlaky},
	}))

	require.NoError(t, plan.BringUp(context.Background()))
	err := drivePlan(t, plan, 5000)
	require.NoError(t, err)

	svcA, _ := plan.Service("A")
	assert.Equal(t, fleet.StateContextualized, svcA.Record().State)
	assert.Equal(t, 1, restarts)
}

// TestPlan_RestartBudgetExceededSurfacesServiceError is scenario S3:
// the boot program never succeeds, so after the restart budget (2) is
// exhausted the original failure is raised as a ServiceError.
func TestPlan_RestartBudgetExceededSurfacesServiceError(t *testing.T) {
	host, port := listenLocal(t)
	cloud := memoryCloudOnHost(host)
	cfg := fakeRemoteConfig(t)
	scriptDir := t.TempDir()

	bootAlwaysFails := writeExecutable(t, scriptDir, "boot-fail.sh", "#!/bin/sh\necho boom 1>&2\nexit 1\n")

	callback := func(s *fleet.Service, action fleet.Action, msg string, err error) fleet.Decision {
		if action == fleet.ActionError {
			return fleet.DecisionRestart
		}
		return fleet.DecisionPropagate
	}

	st := store.NewMemoryStore()
	plan := fleet.NewPlan(st, cloud, cfg, callback)
	require.NoError(t, plan.AddLevel([]*fleet.Record{
		{Name: "A", Image: "ami-fake", InstanceType: "t3.micro", KeyName: "k",
			Username: "ubuntu", SSHPort: port, BootPgm: bootAlwaysFails},
	}))

	require.NoError(t, plan.BringUp(context.Background()))
	err := drivePlan(t, plan, 5000)
	require.Error(t, err)

	var svcErr *fleet.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "A", svcErr.Service)
}

// TestPlan_TearDownTerminatesAndClearsHostname is scenario S4 on a
// single level: a service driven to contextualized, then torn down in
// a fresh plan, ends terminated with its hostname and instance_id
// cleared. Ordering across several levels is not exercised here.
func TestPlan_TearDownTerminatesAndClearsHostname(t *testing.T) {
	host, port := listenLocal(t)
	cloud := memoryCloudOnHost(host)
	cfg := fakeRemoteConfig(t)
	bootOK := writeExecutable(t, t.TempDir(), "boot-ok.sh", "#!/bin/sh\necho '{}'\n")

	st := store.NewMemoryStore()
	bringUpPlan := fleet.NewPlan(st, cloud, cfg, nil)
	require.NoError(t, bringUpPlan.AddLevel([]*fleet.Record{
		{Name: "A", Image: "ami-fake", InstanceType: "t3.micro", KeyName: "k",
			Username: "ubuntu", SSHPort: port, BootPgm: bootOK},
	}))
	require.NoError(t, bringUpPlan.BringUp(context.Background()))
	require.NoError(t, drivePlan(t, bringUpPlan, 2000))

	svcA, _ := bringUpPlan.Service("A")
	recA := svcA.Record()
	require.Equal(t, fleet.StateContextualized, recA.State)
	require.NotEmpty(t, recA.Hostname)
	require.NotEmpty(t, recA.InstanceID)

	teardownPlan := fleet.NewPlan(st, cloud, cfg, nil)
	require.NoError(t, teardownPlan.AddLevel([]*fleet.Record{recA}))
	require.NoError(t, teardownPlan.TearDown(context.Background()))
	require.NoError(t, drivePlan(t, teardownPlan, 2000))

	svcA2, _ := teardownPlan.Service("A")
	assert.Equal(t, fleet.StateTerminated, svcA2.Record().State)
	assert.Empty(t, svcA2.Record().Hostname)
	assert.Empty(t, svcA2.Record().InstanceID)
}

// TestPlan_MissingAttributeReferenceIsConfigError is scenario S5: a
// bootconf referencing an attribute nobody exports is a ConfigError
// raised before Phase B spawns any process.
func TestPlan_MissingAttributeReferenceIsConfigError(t *testing.T) {
	host, port := listenLocal(t)
	cloud := memoryCloudOnHost(host)
	cfg := fakeRemoteConfig(t)
	scriptDir := t.TempDir()

	tmplPath := filepath.Join(scriptDir, "boot.conf.tmpl")
	require.NoError(t, os.WriteFile(tmplPath, []byte("zone=$missing_attr\n"), 0o644))
	marker := filepath.Join(scriptDir, "ran")
	bootScript := writeExecutable(t, scriptDir, "boot.sh", fmt.Sprintf("#!/bin/sh\ntouch %s\necho '{}'\n", marker))

	st := store.NewMemoryStore()
	plan := fleet.NewPlan(st, cloud, cfg, nil)
	require.NoError(t, plan.AddLevel([]*fleet.Record{
		{Name: "A", Image: "ami-fake", InstanceType: "t3.micro", KeyName: "k",
			Username: "ubuntu", SSHPort: port, BootPgm: bootScript, BootConf: tmplPath},
	}))

	require.NoError(t, plan.BringUp(context.Background()))
	err := drivePlan(t, plan, 2000)
	require.Error(t, err)

	var cfgErr *fleet.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "boot program must not run when bootconf cannot be rendered")
}
