package fleet

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fleetboot/fleetboot/internal/iaas"
	"github.com/fleetboot/fleetboot/internal/logging"
	"github.com/fleetboot/fleetboot/internal/metrics"
	"github.com/fleetboot/fleetboot/internal/observability"
	"github.com/fleetboot/fleetboot/internal/pollable"
	"github.com/fleetboot/fleetboot/internal/remote"
)

const (
	defaultRestartLimit      = 2
	sshProbeAllowedErrors    = 3
	portProbeBudgetFirstBoot = 128
	portProbeBudgetRepair    = 1
	processAllowedErrors     = 1
	processTimeout           = 5 * time.Minute
	iaasTimeout              = 10 * time.Minute
	portTimeout              = 5 * time.Minute
)

// depLookup resolves another service's dependency -- hostname,
// instance_id, or an exported attribute -- by name. A Plan supplies
// this to every Service it owns so ${svc.attr} references can be
// satisfied against sibling services that have already completed an
// earlier level.
type depLookup interface {
	FindDep(svcName, attr string) (string, bool)
}

// Decision is what a Service's lifecycle callback wants to happen
// after a terminal error.
type Decision int

const (
	DecisionPropagate Decision = iota
	DecisionRestart
)

// Action names the lifecycle event a Callback is invoked for.
type Action int

const (
	ActionStarted Action = iota
	ActionTransition
	ActionComplete
	ActionError
)

// Callback observes a Service's lifecycle and, on ActionError, decides
// whether the service should restart from Phase A.
type Callback func(s *Service, action Action, msg string, err error) Decision

// Service drives a single VM through Phase A (tear-down then host
// acquisition) and Phase B (contextualization: port, SSH, boot
// program, ready program) per the record it wraps.
type Service struct {
	rec       *Record
	plan      depLookup
	store     RecordStore
	cloud     iaas.Cloud
	remoteCfg remote.Config
	log       *slog.Logger
	callback  Callback

	doBoot, doReady, doTerminate bool

	attrs map[string]string

	phaseA *pollable.MultiLevelPollable
	phaseB *pollable.MultiLevelPollable

	restartCount int
	restartLimit int

	running bool

	// ctx is the most recent context passed to Start/Poll, kept so
	// IaaS done-callbacks (which fire from inside a pollable's own
	// Poll and carry no context of their own) can still persist the
	// state change they observe, per spec §5's synchronous-commit
	// requirement.
	ctx context.Context

	span trace.Span
}

// NewService wraps rec for orchestration. plan supplies cross-service
// dependency lookups; store persists state transitions; cloud drives
// IaaS operations; remoteCfg configures the ssh/scp/fab command
// builders.
func NewService(rec *Record, plan depLookup, store RecordStore, cloud iaas.Cloud, remoteCfg remote.Config, callback Callback) (*Service, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		rec:          rec,
		plan:         plan,
		store:        store,
		cloud:        cloud,
		remoteCfg:    remoteCfg,
		callback:     callback,
		log:          slog.With("service", rec.Name),
		restartLimit: defaultRestartLimit,
		attrs:        make(map[string]string),
	}, nil
}

// Name returns the wrapped record's name.
func (s *Service) Name() string { return s.rec.Name }

// Record returns the wrapped record. Callers must not mutate fields
// the Service itself owns (State, Hostname, InstanceID, Exported)
// while the service is running.
func (s *Service) Record() *Record { return s.rec }

// Start begins the service with the given phase flags. boot acquires
// a host (if needed) and contextualizes it; ready runs the ready
// program after contextualization; terminate tears down any existing
// instance and program state first.
func (s *Service) Start(ctx context.Context, boot, ready, terminate bool) error {
	if s.running {
		return &APIMisuseError{Msg: "service " + s.rec.Name + " already started"}
	}
	if boot && s.rec.State == StateContextualized && !terminate {
		return &APIMisuseError{Msg: "service " + s.rec.Name + " is already contextualized"}
	}

	s.doBoot, s.doReady, s.doTerminate = boot, ready, terminate
	s.running = true

	ctx, span := observability.StartSpan(ctx, "fleet.service.run",
		observability.AttrServiceName.String(s.rec.Name),
	)
	s.span = span
	s.ctx = ctx

	if err := s.resolveRecordRefs(); err != nil {
		s.running = false
		observability.SetSpanError(s.span, err)
		s.span.End()
		return err
	}

	s.phaseA = s.buildPhaseA()
	if err := s.phaseA.Start(ctx); err != nil {
		s.running = false
		observability.SetSpanError(s.span, err)
		s.span.End()
		return err
	}
	s.invokeCallback(ActionStarted, "service started", nil)
	return nil
}

// Poll advances the service by one quantum.
func (s *Service) Poll(ctx context.Context) (bool, error) {
	if !s.running {
		return true, nil
	}
	s.ctx = ctx
	done, err := s.poll(ctx)
	if err != nil {
		s.rec.LastError = err.Error()
		s.persist(ctx)
		s.running = false

		decision := s.invokeCallback(ActionError, err.Error(), err)
		if decision == DecisionRestart && s.restartCount < s.restartLimit {
			s.restartCount++
			metrics.Global().RecordRestart(s.rec.Name)
			observability.SetSpanError(s.span, err)
			s.span.End()
			if rerr := s.Start(ctx, true, true, true); rerr != nil {
				return true, rerr
			}
			return false, nil
		}

		metrics.Global().RecordServiceFailed(s.rec.Name)
		logging.Default().Log(&logging.FleetLog{
			Service: s.rec.Name, Phase: "poll", Success: false,
			Restarts: s.restartCount, Error: err.Error(),
		})
		var traceID, spanID string
		if sc := s.span.SpanContext(); sc.IsValid() {
			traceID, spanID = sc.TraceID().String(), sc.SpanID().String()
		}
		logging.OpWithTrace(traceID, spanID).
			Error("service failed permanently", "service", s.rec.Name, "restarts", s.restartCount)
		observability.SetSpanError(s.span, err)
		s.span.End()
		return true, &ServiceError{Service: s.rec.Name, Err: err}
	}
	if done {
		observability.SetSpanOK(s.span)
		s.span.End()
		s.running = false
		s.invokeCallback(ActionComplete, "service complete", nil)
	}
	return done, nil
}

func (s *Service) poll(ctx context.Context) (bool, error) {
	if s.phaseA != nil {
		done, err := s.phaseA.Poll(ctx)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		s.phaseA = nil

		if s.doTerminate && !s.doBoot {
			s.rec.State = StateTerminated
			s.persist(ctx)
			metrics.Global().RecordServiceTerminated(s.rec.Name)
		}

		if err := s.resolveAttrs(); err != nil {
			return false, err
		}

		phaseB, err := s.buildPhaseB()
		if err != nil {
			return false, err
		}
		s.phaseB = phaseB
		if err := s.phaseB.Start(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	done, err := s.phaseB.Poll(ctx)
	if err != nil {
		return false, err
	}
	return done, nil
}

// Cancel requests early termination of whatever phase is active.
func (s *Service) Cancel() {
	if s.phaseA != nil {
		s.phaseA.Cancel()
	}
	if s.phaseB != nil {
		s.phaseB.Cancel()
	}
}

// GetDep resolves an attribute this service exposes to dependents:
// "hostname" and "instance_id" are always available once set, and any
// other name is looked up in the exported attribute bag.
func (s *Service) GetDep(attr string) (string, bool) {
	switch attr {
	case "hostname":
		return s.rec.Hostname, s.rec.Hostname != ""
	case "instance_id":
		return s.rec.InstanceID, s.rec.InstanceID != ""
	}
	v, ok := s.attrs[attr]
	return v, ok
}

func (s *Service) sshTarget() remote.SSHTarget {
	return remote.SSHTarget{Host: s.rec.Hostname, User: s.rec.Username, Port: s.rec.SSHPort, LocalKey: s.rec.LocalKey}
}

func (s *Service) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, s.rec); err != nil {
		s.log.Error("failed to persist service record", "error", err)
	}
}

func (s *Service) invokeCallback(action Action, msg string, err error) Decision {
	if s.callback == nil {
		return DecisionPropagate
	}
	return s.callback(s, action, msg, err)
}

func (s *Service) onPollableProgress(p pollable.Pollable, event, message string) {
	if event == pollable.EventTransition {
		s.log.Debug("progress", "event", event, "message", message)
	}
}

// -- Phase A: terminate-then-host-acquisition --------------------------

func (s *Service) buildPhaseA() *pollable.MultiLevelPollable {
	ml := pollable.NewMultiLevel()

	if s.doTerminate {
		if s.rec.TerminatePgm != "" {
			level := s.newReadyOrTerminateProgramPollable("terminatepgm", s.rec.TerminatePgm, s.rec.TerminatePgmArgs)
			_ = ml.AddLevel([]pollable.Pollable{level})
		}

		if s.rec.InstanceID != "" {
			instanceID := s.rec.InstanceID
			_ = ml.AddLevelFunc(func() []pollable.Pollable {
				tp := &iaas.TerminatePollable{
					Cloud: s.cloud, InstanceID: instanceID,
					KeyRefEnv: s.rec.IaaSKeyRef, SecretRefEnv: s.rec.IaaSSecretRef,
					Endpoint: s.rec.IaaSEndpoint, Region: s.rec.IaaSRegion,
					Timeout: iaasTimeout,
					DoneCB:  s.onTerminateConfirmed,
				}
				return []pollable.Pollable{tp}
			})
		}
	}

	if s.doBoot {
		_ = ml.AddLevelFunc(func() []pollable.Pollable {
			if s.rec.Image == "" {
				// Hostname-only service: seeded directly at launched
				// the moment its (already-resolved) static hostname
				// is known, with no IaaS launch pollable involved.
				if s.rec.State == StatePending && s.rec.Hostname != "" {
					s.rec.State = StateLaunched
					s.persist(s.ctx)
				}
				return nil
			}
			if s.rec.Hostname != "" {
				return nil
			}
			lp := &iaas.LaunchHostnamePollable{
				Cloud: s.cloud, Image: s.rec.Image, InstanceType: s.rec.InstanceType,
				KeyName: s.rec.KeyName, SecurityGroups: s.rec.SecurityGroups,
				KeyRefEnv: s.rec.IaaSKeyRef, SecretRefEnv: s.rec.IaaSSecretRef,
				Endpoint: s.rec.IaaSEndpoint, Region: s.rec.IaaSRegion,
				ResumeInstanceID: s.rec.InstanceID,
				Timeout:          iaasTimeout,
				DoneCB:           s.onLaunchConfirmed,
			}
			return []pollable.Pollable{lp}
		})
	}

	return ml
}

// onTerminateConfirmed clears hostname and instance_id only once the
// IaaS backend has confirmed termination -- state is mutated by
// observation, not optimistically ahead of it. Hostname-only services
// (no Image) never reach here, since they have no instance_id and so
// never get a terminate level added.
func (s *Service) onTerminateConfirmed(p *iaas.TerminatePollable) {
	if s.rec.Image != "" {
		s.rec.Hostname = ""
	}
	s.rec.InstanceID = ""
	s.rec.State = StateTerminated
	s.persist(s.ctx)
}

func (s *Service) onLaunchConfirmed(p *iaas.LaunchHostnamePollable) {
	s.rec.Hostname = p.Hostname()
	s.rec.InstanceID = p.InstanceID()
	s.rec.State = StateLaunched
	s.rec.History = append(s.rec.History, p.InstanceID())
	s.persist(s.ctx)
}

// -- Phase B: contextualization ------------------------------------------

func (s *Service) buildPhaseB() (*pollable.MultiLevelPollable, error) {
	ml := pollable.NewMultiLevel()

	if s.doBoot {
		portBudget := portProbeBudgetFirstBoot
		sshBudget := sshProbeAllowedErrors
		if s.rec.State == StateContextualized {
			portBudget = portProbeBudgetRepair
		}

		port := &pollable.PortPollable{
			HostFunc: func() string { return s.rec.Hostname }, Port: s.rec.SSHPort,
			RetryBudget: portBudget, Timeout: portTimeout, ProgressCB: s.onPollableProgress,
		}
		_ = ml.AddLevel([]pollable.Pollable{port})

		ssh1 := s.newSSHProbe(sshBudget)
		_ = ml.AddLevel([]pollable.Pollable{ssh1})

		if s.rec.State != StateContextualized && s.rec.BootPgm != "" {
			boot, err := s.newBootProgramPollable()
			if err != nil {
				return nil, err
			}
			_ = ml.AddLevel([]pollable.Pollable{boot})
		}
	}

	if s.doReady {
		ssh2 := s.newSSHProbe(sshProbeAllowedErrors)
		_ = ml.AddLevel([]pollable.Pollable{ssh2})

		if s.rec.ReadyPgm != "" {
			ready := s.newReadyOrTerminateProgramPollable("readypgm", s.rec.ReadyPgm, s.rec.ReadyPgmArgs)
			_ = ml.AddLevel([]pollable.Pollable{ready})
		}
	}

	return ml, nil
}

func (s *Service) newSSHProbe(allowedErrors int) *pollable.ProcessPollable {
	cmd := remote.SSHProbeCommand(s.remoteCfg, s.sshTarget())
	return &pollable.ProcessPollable{
		Command: cmd, Timeout: processTimeout, AllowedErrors: allowedErrors,
		ProgressCB: s.onPollableProgress,
	}
}

func (s *Service) newReadyOrTerminateProgramPollable(task, pgm, args string) *pollable.ProcessPollable {
	cmd := remote.FabCommand(s.remoteCfg, s.sshTarget(), remote.ProgramSpec{
		Task: task, Host: s.rec.Hostname, Pgm: pgm, Args: args,
		StageDir: remote.StageDir(s.remoteCfg, s.rec.Name),
	})
	return &pollable.ProcessPollable{
		Command: cmd, Timeout: processTimeout, AllowedErrors: processAllowedErrors,
		ProgressCB: s.onPollableProgress,
	}
}

func (s *Service) newBootProgramPollable() (*pollable.ProcessPollable, error) {
	var confPath, envPath string
	if s.rec.BootConf != "" {
		p, err := writeRenderedConf(s.rec.BootConf, s.attrs)
		if err != nil {
			return nil, err
		}
		confPath = p
	}
	envFile, err := writeEnvFile(s.attrs)
	if err != nil {
		return nil, err
	}
	envPath = envFile
	outputPath := confPath + ".output.json"

	cmd := remote.FabCommand(s.remoteCfg, s.sshTarget(), remote.ProgramSpec{
		Task: "bootpgm", Host: s.rec.Hostname, Pgm: s.rec.BootPgm, Args: s.rec.BootPgmArgs,
		Conf: confPath, EnvConf: envPath, Output: outputPath,
		StageDir: remote.StageDir(s.remoteCfg, s.rec.Name),
	})

	p := &pollable.ProcessPollable{
		Command: cmd, Timeout: processTimeout, AllowedErrors: processAllowedErrors,
		ProgressCB: s.onPollableProgress,
	}
	p.DoneCB = func(pl pollable.Pollable) {
		s.onBootProgramComplete(p)
	}
	return p, nil
}

func (s *Service) onBootProgramComplete(p *pollable.ProcessPollable) {
	attrs, err := parseBootOutput(p.Stdout())
	if err != nil {
		s.log.Warn("boot program output could not be parsed", "error", err)
		attrs = nil
	}
	s.rec.Exported = append(s.rec.Exported, attrs...)
	for _, a := range attrs {
		s.attrs[a.Key] = a.Value
	}
	s.rec.State = StateContextualized
	s.persist(s.ctx)
	metrics.Global().RecordServiceContextualized(s.rec.Name)
}

// -- Attribute resolution -------------------------------------------------

func (s *Service) makeLookup() lookupFunc {
	return func(svc, attr string) (string, bool) {
		if svc == s.rec.Name {
			if v, ok := s.attrs[attr]; ok {
				return v, true
			}
			return s.GetDep(attr)
		}
		return s.plan.FindDep(svc, attr)
	}
}

// resolveRecordRefs expands ${svc.attr} references embedded directly
// in record fields (most commonly Hostname, for services that alias
// another service's VM instead of launching their own). It runs as
// the first step of Start, since by the level-ordering invariant any
// service this one depends on has already completed an earlier level.
func (s *Service) resolveRecordRefs() error {
	lookup := s.makeLookup()
	fields := []*string{
		&s.rec.Hostname, &s.rec.Username, &s.rec.SCPUsername, &s.rec.LocalKey,
		&s.rec.BootPgm, &s.rec.BootPgmArgs, &s.rec.ReadyPgm, &s.rec.ReadyPgmArgs,
		&s.rec.TerminatePgm, &s.rec.TerminatePgmArgs, &s.rec.BootConf,
		&s.rec.KeyName, &s.rec.Image, &s.rec.InstanceType, &s.rec.IaaSEndpoint,
	}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		resolved, err := expandRef(*f, s.rec.Name, lookup)
		if err != nil {
			return err
		}
		*f = resolved
	}
	return nil
}

// resolveAttrs expands the exported attribute bag once Phase A has
// drained, so ${.attr} self-references can see this service's own
// just-populated hostname/instance_id, and renders it available for
// bootconf templating. It runs before Phase B is built, so a
// ConfigError here aborts before any process is spawned.
func (s *Service) resolveAttrs() error {
	lookup := s.makeLookup()
	bag := make(map[string]string, len(s.rec.Exported)+len(s.attrs))
	for k, v := range s.attrs {
		bag[k] = v
	}
	for _, a := range s.rec.Exported {
		v, err := expandRef(a.Value, s.rec.Name, lookup)
		if err != nil {
			return err
		}
		bag[a.Key] = v
	}
	s.attrs = bag
	return nil
}
