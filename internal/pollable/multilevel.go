package pollable

import "context"

// levelSpec is either a materialized set of Pollables or a factory
// that builds them lazily, the instant the level becomes current.
// Deferred levels let a level's membership depend on state only
// settled by the level immediately before it -- for example, an IaaS
// launch level that must be skipped or not depending on whether the
// preceding terminate level just cleared the service's hostname.
type levelSpec struct {
	members []Pollable
	factory func() []Pollable
}

// MultiLevelPollable drives an ordered sequence of levels, each a
// parallel set of Pollables, to completion. A level only starts once
// every member of the previous level has drained. Within a level,
// members progress independently and in parallel.
type MultiLevelPollable struct {
	// ContinueOnError lets sibling members of a failed level keep
	// running to completion instead of being cancelled; the
	// composite MultilevelError is still raised once the level
	// drains.
	ContinueOnError bool

	DoneCB     DoneFunc
	ProgressCB ProgressFunc

	levels  []levelSpec
	started bool
	done    bool
	current int
	active  []Pollable
	failed  []error
}

// NewMultiLevel returns an empty multi-level pollable ready for
// AddLevel / AddLevelFunc calls.
func NewMultiLevel() *MultiLevelPollable {
	return &MultiLevelPollable{}
}

// AddLevel appends a level whose membership is already known. Only
// legal before Start.
func (m *MultiLevelPollable) AddLevel(members []Pollable) error {
	if m.started {
		return &ErrAPIMisuse{Msg: "add_level called after start"}
	}
	m.levels = append(m.levels, levelSpec{members: members})
	return nil
}

// AddLevelFunc appends a level whose membership is computed lazily,
// immediately before it becomes current. The factory runs after every
// earlier level has fully drained (and thus after their done
// callbacks have fired), so it may safely read state those callbacks
// mutated. Only legal before Start.
func (m *MultiLevelPollable) AddLevelFunc(factory func() []Pollable) error {
	if m.started {
		return &ErrAPIMisuse{Msg: "add_level_func called after start"}
	}
	m.levels = append(m.levels, levelSpec{factory: factory})
	return nil
}

// ReverseOrder reverses the level sequence, used to drive tear-down in
// the opposite order from bring-up. Only legal before Start.
func (m *MultiLevelPollable) ReverseOrder() error {
	if m.started {
		return &ErrAPIMisuse{Msg: "reverse_order called after start"}
	}
	for i, j := 0, len(m.levels)-1; i < j; i, j = i+1, j-1 {
		m.levels[i], m.levels[j] = m.levels[j], m.levels[i]
	}
	return nil
}

// NumLevels reports how many levels are queued.
func (m *MultiLevelPollable) NumLevels() int { return len(m.levels) }

// CurrentLevel reports the index of the level presently in progress.
func (m *MultiLevelPollable) CurrentLevel() int { return m.current }

func (m *MultiLevelPollable) Start(ctx context.Context) error {
	m.started = true
	if len(m.levels) == 0 {
		m.done = true
		return nil
	}
	return m.startLevel(ctx, 0)
}

func (m *MultiLevelPollable) startLevel(ctx context.Context, idx int) error {
	m.current = idx
	if idx >= len(m.levels) {
		m.done = true
		if m.DoneCB != nil {
			m.DoneCB(m)
		}
		return nil
	}
	spec := m.levels[idx]
	members := spec.members
	if spec.factory != nil {
		members = spec.factory()
	}
	m.active = make([]Pollable, 0, len(members))
	for _, p := range members {
		if err := p.Start(ctx); err != nil {
			return err
		}
		m.active = append(m.active, p)
	}
	if m.ProgressCB != nil {
		m.ProgressCB(m, EventTransition, "level started")
	}
	return nil
}

func (m *MultiLevelPollable) Poll(ctx context.Context) (bool, error) {
	if m.done {
		return true, nil
	}

	var remaining []Pollable
	newlyFailed := false
	for _, p := range m.active {
		done, err := p.Poll(ctx)
		if err != nil {
			m.failed = append(m.failed, err)
			if len(m.failed) == 1 && !m.ContinueOnError {
				newlyFailed = true
			}
			continue
		}
		if !done {
			remaining = append(remaining, p)
		}
	}
	m.active = remaining

	if newlyFailed {
		for _, p := range m.active {
			p.Cancel()
		}
	}

	if len(m.active) > 0 {
		return false, nil
	}

	if len(m.failed) > 0 {
		m.done = true
		return true, &MultilevelError{Level: m.current, Errors: m.failed}
	}

	if err := m.startLevel(ctx, m.current+1); err != nil {
		return false, err
	}
	return m.done, nil
}

func (m *MultiLevelPollable) Cancel() {
	if m.done {
		return
	}
	for _, p := range m.active {
		p.Cancel()
	}
	for idx := m.current + 1; idx < len(m.levels); idx++ {
		spec := m.levels[idx]
		if spec.factory != nil {
			continue
		}
		for _, p := range spec.members {
			p.Cancel()
		}
	}
	m.done = true
}
