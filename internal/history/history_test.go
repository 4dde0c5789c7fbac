package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestDispatch_FansOutAndIgnoresFailures(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}
	e := Event{
		Type:       EventFailed,
		OccurredAt: time.Now().UTC(),
		Record:     Record{App: "web", Instance: "web-1", State: "stopped(failed)", Unstable: 10},
	}

	Dispatch([]Sink{failing, ok}, e)

	require.Len(t, failing.events, 1)
	require.Len(t, ok.events, 1)
	assert.Equal(t, e, ok.events[0])
}

func TestDispatch_NoSinks(t *testing.T) {
	assert.NotPanics(t, func() { Dispatch(nil, Event{Type: EventStart}) })
}
