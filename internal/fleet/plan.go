package fleet

import (
	"context"
	"time"

	"github.com/fleetboot/fleetboot/internal/iaas"
	"github.com/fleetboot/fleetboot/internal/metrics"
	"github.com/fleetboot/fleetboot/internal/pollable"
	"github.com/fleetboot/fleetboot/internal/remote"
)

// Plan owns a fleet's service dictionary and drives it, level by
// level, through bring-up or tear-down. Levels are registered in
// bring-up order; TearDown runs them in reverse.
type Plan struct {
	services map[string]*Service
	levels   [][]string

	store     RecordStore
	cloud     iaas.Cloud
	remoteCfg remote.Config
	callback  Callback

	ml             *pollable.MultiLevelPollable
	levelStartedAt time.Time
	prevLevel      int
}

// NewPlan returns an empty Plan ready for AddLevel calls.
func NewPlan(store RecordStore, cloud iaas.Cloud, remoteCfg remote.Config, callback Callback) *Plan {
	return &Plan{
		services:  make(map[string]*Service),
		store:     store,
		cloud:     cloud,
		remoteCfg: remoteCfg,
		callback:  callback,
		prevLevel: -1,
	}
}

// AddLevel registers a set of service records as one level: every
// record here may depend on an attribute exported by any record in an
// earlier level, and nothing in this or a later one. Only legal
// before Start.
func (p *Plan) AddLevel(recs []*Record) error {
	if p.ml != nil {
		return &APIMisuseError{Msg: "add_level called after plan start"}
	}
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		if _, exists := p.services[rec.Name]; exists {
			return &ConfigError{Msg: "duplicate service name: " + rec.Name}
		}
		svc, err := NewService(rec, p, p.store, p.cloud, p.remoteCfg, p.callback)
		if err != nil {
			return err
		}
		p.services[rec.Name] = svc
		names = append(names, rec.Name)
	}
	p.levels = append(p.levels, names)
	return nil
}

// FindDep satisfies depLookup for every Service this plan owns,
// resolving a sibling service's dependency by name.
func (p *Plan) FindDep(svcName, attr string) (string, bool) {
	svc, ok := p.services[svcName]
	if !ok {
		return "", false
	}
	return svc.GetDep(attr)
}

// Service returns the named service, if registered.
func (p *Plan) Service(name string) (*Service, bool) {
	svc, ok := p.services[name]
	return svc, ok
}

// BringUp starts every registered level in registration order,
// acquiring and contextualizing each service.
func (p *Plan) BringUp(ctx context.Context) error {
	return p.start(ctx, false, true, true, false)
}

// TearDown starts every registered level in REVERSE order, terminating
// each service's program and IaaS instance.
func (p *Plan) TearDown(ctx context.Context) error {
	return p.start(ctx, true, false, false, true)
}

// Repair re-runs bring-up (boot and ready, no terminate) without
// tearing anything down first -- used to recover services left pending
// or launched after a crash. Contextualized services are not skipped:
// Service.Start rejects each one with an APIMisuseError.
func (p *Plan) Repair(ctx context.Context) error {
	return p.start(ctx, false, true, true, false)
}

func (p *Plan) start(ctx context.Context, reverse, boot, ready, terminate bool) error {
	if p.ml != nil {
		return &APIMisuseError{Msg: "plan already started"}
	}

	ml := pollable.NewMultiLevel()
	for _, names := range p.levels {
		members := make([]pollable.Pollable, 0, len(names))
		for _, n := range names {
			members = append(members, &serviceRunner{svc: p.services[n], boot: boot, ready: ready, terminate: terminate})
		}
		if err := ml.AddLevel(members); err != nil {
			return err
		}
	}
	if reverse {
		if err := ml.ReverseOrder(); err != nil {
			return err
		}
	}
	ml.ProgressCB = p.onLevelProgress
	p.ml = ml
	p.levelStartedAt = time.Now()
	return ml.Start(ctx)
}

func (p *Plan) onLevelProgress(pl pollable.Pollable, event, msg string) {
	if event != pollable.EventTransition {
		return
	}
	now := time.Now()
	current := p.ml.CurrentLevel()
	if p.prevLevel >= 0 {
		metrics.Global().RecordLevelComplete(p.prevLevel, now.Sub(p.levelStartedAt))
	}
	p.prevLevel = current
	p.levelStartedAt = now
}

// Poll advances the plan by one quantum.
func (p *Plan) Poll(ctx context.Context) (bool, error) {
	if p.ml == nil {
		return true, nil
	}
	return p.ml.Poll(ctx)
}

// Cancel requests early termination of the in-progress run.
func (p *Plan) Cancel() {
	if p.ml != nil {
		p.ml.Cancel()
	}
}

// Drive polls the plan on interval until it completes, the context is
// cancelled, or an error is returned.
func (p *Plan) Drive(ctx context.Context, interval time.Duration) error {
	for {
		done, err := p.Poll(ctx)
		if done || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// GetJSONDoc returns a snapshot of the plan as levels -> services ->
// attributes, suitable for a status endpoint or CLI report. Levels are
// always reported in bring-up registration order, regardless of
// whether the run itself was reversed for tear-down.
func (p *Plan) GetJSONDoc() map[string]any {
	levels := make([]any, 0, len(p.levels))
	for _, names := range p.levels {
		svcDocs := make(map[string]any, len(names))
		for _, name := range names {
			svc, ok := p.services[name]
			if !ok {
				continue
			}
			rec := svc.Record()
			attrs := make(map[string]string, len(rec.Exported))
			for _, a := range rec.Exported {
				attrs[a.Key] = a.Value
			}
			svcDocs[name] = map[string]any{
				"state":       rec.State.String(),
				"hostname":    rec.Hostname,
				"instance_id": rec.InstanceID,
				"last_error":  rec.LastError,
				"attributes":  attrs,
			}
		}
		levels = append(levels, svcDocs)
	}
	return map[string]any{"levels": levels}
}

// serviceRunner adapts a Service, plus the phase flags this plan run
// wants, to the pollable.Pollable interface so it can sit directly in
// the plan's top-level MultiLevelPollable.
type serviceRunner struct {
	svc                    *Service
	boot, ready, terminate bool
}

func (r *serviceRunner) Start(ctx context.Context) error {
	return r.svc.Start(ctx, r.boot, r.ready, r.terminate)
}

func (r *serviceRunner) Poll(ctx context.Context) (bool, error) {
	return r.svc.Poll(ctx)
}

func (r *serviceRunner) Cancel() {
	r.svc.Cancel()
}
