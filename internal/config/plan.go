package config

import "github.com/fleetboot/fleetboot/internal/fleet"

// ToRecord converts a RecordSpec into a fresh fleet.Record, applying
// plan-wide IaaS defaults from iaas wherever the spec leaves a field
// blank.
func (r RecordSpec) ToRecord(iaas IaaSConfig) *fleet.Record {
	rec := &fleet.Record{
		Name:             r.Name,
		Image:            r.Image,
		InstanceType:     r.InstanceType,
		KeyName:          r.KeyName,
		SecurityGroups:   r.SecurityGroups,
		IaaSEndpoint:     firstNonEmpty(r.IaaSEndpoint, iaas.Endpoint),
		IaaSRegion:       firstNonEmpty(r.IaaSRegion, iaas.Region),
		IaaSKeyRef:       firstNonEmpty(r.IaaSKeyRef, iaas.KeyRef),
		IaaSSecretRef:    firstNonEmpty(r.IaaSSecretRef, iaas.SecretRef),
		Hostname:         r.Hostname,
		Username:         r.Username,
		SCPUsername:      r.SCPUsername,
		SSHPort:          r.SSHPort,
		LocalKey:         r.LocalKey,
		BootPgm:          r.BootPgm,
		BootPgmArgs:      r.BootPgmArgs,
		ReadyPgm:         r.ReadyPgm,
		ReadyPgmArgs:     r.ReadyPgmArgs,
		TerminatePgm:     r.TerminatePgm,
		TerminatePgmArgs: r.TerminatePgmArgs,
		BootConf:         r.BootConf,
	}
	return rec
}

// Records converts every level of p into fleet.Record slices, in the
// same order, ready to be handed to successive fleet.Plan.AddLevel
// calls.
func (p PlanSpec) Records(iaas IaaSConfig) [][]*fleet.Record {
	levels := make([][]*fleet.Record, 0, len(p.Levels))
	for _, level := range p.Levels {
		recs := make([]*fleet.Record, 0, len(level))
		for _, spec := range level {
			recs = append(recs, spec.ToRecord(iaas))
		}
		levels = append(levels, recs)
	}
	return levels
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
