package pollable_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetboot/fleetboot/internal/pollable"
)

// fakePollable completes after pollsToDone polls or, if failWith is
// set, fails with it once pollsToDone is reached.
type fakePollable struct {
	pollsToDone int
	polls       int
	cancelled   bool
	failWith    error
}

func (f *fakePollable) Start(ctx context.Context) error { return nil }

func (f *fakePollable) Poll(ctx context.Context) (bool, error) {
	if f.cancelled {
		return true, nil
	}
	f.polls++
	if f.failWith != nil && f.polls >= f.pollsToDone {
		return false, f.failWith
	}
	if f.polls >= f.pollsToDone {
		return true, nil
	}
	return false, nil
}

func (f *fakePollable) Cancel() { f.cancelled = true }

func TestMultiLevelPollable_SequencesLevels(t *testing.T) {
	ml := pollable.NewMultiLevel()
	a := &fakePollable{pollsToDone: 1}
	b := &fakePollable{pollsToDone: 2}
	require.NoError(t, ml.AddLevel([]pollable.Pollable{a}))
	require.NoError(t, ml.AddLevel([]pollable.Pollable{b}))

	require.NoError(t, ml.Start(context.Background()))
	assert.Equal(t, 0, ml.CurrentLevel())

	done, err := ml.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, ml.CurrentLevel(), "second level should have started once the first drained")

	done, err = ml.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	done, err = ml.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMultiLevelPollable_ErrorCancelsSiblingsAndRaisesComposite(t *testing.T) {
	ml := pollable.NewMultiLevel()
	failing := &fakePollable{pollsToDone: 1, failWith: errors.New("boom")}
	sibling := &fakePollable{pollsToDone: 100}
	require.NoError(t, ml.AddLevel([]pollable.Pollable{failing, sibling}))

	require.NoError(t, ml.Start(context.Background()))
	// The first poll records the failure and cancels the sibling; the
	// composite error is raised once the cancelled sibling drains.
	done, err := pollUntilDone(t, ml, 10)
	require.True(t, done)
	require.Error(t, err)

	var mlErr *pollable.MultilevelError
	require.ErrorAs(t, err, &mlErr)
	assert.Len(t, mlErr.Errors, 1)
	assert.True(t, sibling.cancelled, "sibling should be cancelled once a level member fails")
}

func TestMultiLevelPollable_ContinueOnErrorLetsSiblingsFinish(t *testing.T) {
	ml := pollable.NewMultiLevel()
	ml.ContinueOnError = true
	failing := &fakePollable{pollsToDone: 1, failWith: errors.New("boom")}
	sibling := &fakePollable{pollsToDone: 1}
	require.NoError(t, ml.AddLevel([]pollable.Pollable{failing, sibling}))

	require.NoError(t, ml.Start(context.Background()))
	done, err := ml.Poll(context.Background())
	require.True(t, done)
	require.Error(t, err)
	assert.False(t, sibling.cancelled)
}

func TestMultiLevelPollable_ReverseOrder(t *testing.T) {
	ml := pollable.NewMultiLevel()
	a := &fakePollable{pollsToDone: 1}
	b := &fakePollable{pollsToDone: 1}
	require.NoError(t, ml.AddLevel([]pollable.Pollable{a}))
	require.NoError(t, ml.AddLevel([]pollable.Pollable{b}))
	require.NoError(t, ml.ReverseOrder())

	require.NoError(t, ml.Start(context.Background()))
	// b's level is now first.
	_, err := ml.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.polls)
	assert.Equal(t, 0, a.polls)
}

func TestMultiLevelPollable_AddLevelAfterStartIsAPIMisuse(t *testing.T) {
	ml := pollable.NewMultiLevel()
	require.NoError(t, ml.Start(context.Background()))
	err := ml.AddLevel([]pollable.Pollable{&fakePollable{pollsToDone: 1}})
	require.Error(t, err)
	var misuse *pollable.ErrAPIMisuse
	assert.ErrorAs(t, err, &misuse)
}

func TestMultiLevelPollable_DeferredLevelSeesPriorLevelEffects(t *testing.T) {
	ml := pollable.NewMultiLevel()
	var observed string
	setter := &fakePollable{pollsToDone: 1}
	require.NoError(t, ml.AddLevel([]pollable.Pollable{setter}))
	require.NoError(t, ml.AddLevelFunc(func() []pollable.Pollable {
		observed = "factory-ran-after-level-0"
		return []pollable.Pollable{&fakePollable{pollsToDone: 1}}
	}))

	require.NoError(t, ml.Start(context.Background()))
	assert.Empty(t, observed, "factory must not run before level 0 drains")

	_, err := ml.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "factory-ran-after-level-0", observed)
}
