package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

func TestNext(t *testing.T) {
	s, err := Next(Initial, DeliverySucceeded)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, s)

	s, err = Next(Initial, DeliveryFailed)
	require.NoError(t, err)
	assert.Equal(t, model.Failed, s)

	_, err = Next(Initial, Event("bogus"))
	assert.Error(t, err)
}

func TestNext_TerminalStatesAreFinal(t *testing.T) {
	for _, s := range []model.Status{model.Sent, model.Failed} {
		for _, e := range []Event{DeliverySucceeded, DeliveryFailed} {
			got, err := Next(s, e)
			assert.ErrorIs(t, err, model.ErrIllegalState)
			assert.Equal(t, s, got)
		}
	}
}

func TestCheck_TerminalAlwaysIllegal(t *testing.T) {
	for _, s := range []model.Status{model.Sent, model.Failed} {
		for _, a := range []Action{Edit, Delete, RemoveAttachment, SendNow} {
			err := CheckMessage("m1", s, a)
			require.Error(t, err, "%s/%s", s, a)

			var ise *model.IllegalStateError
			require.ErrorAs(t, err, &ise)
			assert.Equal(t, "m1", ise.ID)
			assert.Equal(t, s, ise.Status)
			assert.Equal(t, string(a), ise.Action)
		}
	}
}

func TestCheck_PendingAllowsEverything(t *testing.T) {
	for _, a := range Allowed(model.Pending) {
		assert.NoError(t, Check(model.Pending, a))
	}
	assert.Len(t, Allowed(model.Pending), 4)
	assert.Empty(t, Allowed(model.Sent))
}

func TestObserve(t *testing.T) {
	assert.NoError(t, Observe(model.Pending, model.Pending))
	assert.NoError(t, Observe(model.Pending, model.Sent))
	assert.NoError(t, Observe(model.Pending, model.Failed))
	assert.NoError(t, Observe(model.Sent, model.Sent))
	assert.ErrorIs(t, Observe(model.Sent, model.Pending), model.ErrIllegalState)
	assert.ErrorIs(t, Observe(model.Failed, model.Sent), model.ErrIllegalState)
}
