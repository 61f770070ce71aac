package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"braindump/internal/domain"
)

const subscriberBuffer = 64

type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.AudioReference) (domain.TranscriptionResult, error)
}

type Structurer interface {
	Structure(ctx context.Context, transcript string, sc domain.SessionContext) (domain.StructureOutcome, error)
}

type Saver interface {
	SaveSession(ctx context.Context, userID string, sc domain.SessionContext, output domain.StructuredResult, transcription string) (domain.SavedSession, error)
}

// Deps are the collaborators a Machine mediates.
type Deps struct {
	Transcriber Transcriber
	Structurer  Structurer
	Saver       Saver
}

type inflight struct {
	seq    uint64
	cancel context.CancelFunc
}

// Machine owns one user's workflow state. Events are applied one at a time
// and published to subscribers in the order they were accepted.
type Machine struct {
	id    string
	owner string
	deps  Deps

	mu       sync.Mutex
	state    State
	seq      uint64
	inflight map[Operation]inflight
	subs     map[chan Transition]struct{}
	touched  time.Time
	now      func() time.Time
}

func NewMachine(id, owner string, deps Deps) *Machine {
	return &Machine{
		id:       id,
		owner:    owner,
		deps:     deps,
		state:    newState(),
		inflight: map[Operation]inflight{},
		subs:     map[chan Transition]struct{}{},
		touched:  time.Now(),
		now:      time.Now,
	}
}

func (m *Machine) ID() string    { return m.id }
func (m *Machine) Owner() string { return m.owner }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Dispatch applies ev. Rejected events leave the state untouched.
func (m *Machine) Dispatch(ev Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatchLocked(ev)
}

func (m *Machine) dispatchLocked(ev Event) (State, error) {
	prev := m.state
	next, err := reduce(prev, ev)
	if err != nil {
		return prev.clone(), err
	}

	for _, op := range operations {
		if seq := prev.Pending(op); seq != 0 && next.Pending(op) != seq {
			m.release(op, seq)
		}
	}

	m.state = next
	m.seq++
	m.touched = m.now()

	tr := Transition{Seq: m.seq, Type: ev.EventName(), Event: ev, State: next.clone()}
	for ch := range m.subs {
		select {
		case ch <- tr:
		default:
			// A subscriber that cannot keep up loses its stream rather than
			// seeing transitions out of order.
			delete(m.subs, ch)
			close(ch)
		}
	}

	return next.clone(), nil
}

func (m *Machine) SubmitContext(sc domain.SessionContext) (State, error) {
	return m.Dispatch(ContextSubmitted{Context: sc})
}

func (m *Machine) SelectAudio(audio domain.AudioReference) (State, error) {
	return m.Dispatch(AudioSelected{Audio: audio})
}

func (m *Machine) ClearAudio() (State, error) {
	return m.Dispatch(AudioCleared{})
}

func (m *Machine) Navigate(stage Stage) (State, error) {
	return m.Dispatch(Navigated{Stage: stage})
}

// Transcribe runs the transcription collaborator for the current audio. A
// second call while one is outstanding fails with ErrBusy.
func (m *Machine) Transcribe(ctx context.Context) (State, error) {
	if m.deps.Transcriber == nil {
		return m.State(), fmt.Errorf("%w: no transcriber", ErrPrerequisite)
	}

	snapshot, seq, runCtx, err := m.begin(ctx, OpTranscribe, TranscriptionRequested{})
	if err != nil {
		return snapshot, err
	}
	defer m.finish(OpTranscribe, seq)

	result, callErr := m.deps.Transcriber.Transcribe(runCtx, *snapshot.Audio)
	if callErr != nil {
		state, err := m.Dispatch(TranscriptionFailed{Seq: seq, Error: callErr.Error()})
		if err != nil {
			return state, err
		}
		return state, callErr
	}

	return m.Dispatch(TranscriptionCompleted{Seq: seq, Result: result})
}

// Structure asks the structuring collaborator to organize the current
// transcript. Failures keep transcript and context so the call can be retried.
func (m *Machine) Structure(ctx context.Context) (State, error) {
	if m.deps.Structurer == nil {
		return m.State(), fmt.Errorf("%w: no structurer", ErrPrerequisite)
	}

	snapshot, seq, runCtx, err := m.begin(ctx, OpStructure, StructuringRequested{})
	if err != nil {
		return snapshot, err
	}
	defer m.finish(OpStructure, seq)

	outcome, callErr := m.deps.Structurer.Structure(runCtx, snapshot.Transcription.Text, *snapshot.Context)
	if callErr != nil {
		state, err := m.Dispatch(StructuringFailed{Seq: seq, Error: callErr.Error()})
		if err != nil {
			return state, err
		}
		return state, callErr
	}

	return m.Dispatch(StructuringCompleted{Seq: seq, Outcome: outcome})
}

// Save persists the current structured result for the machine's owner. Each
// structured result is saved at most once.
func (m *Machine) Save(ctx context.Context) (State, error) {
	if m.deps.Saver == nil {
		return m.State(), fmt.Errorf("%w: no session store", ErrPrerequisite)
	}

	snapshot, seq, runCtx, err := m.begin(ctx, OpSave, SaveRequested{})
	if err != nil {
		return snapshot, err
	}
	defer m.finish(OpSave, seq)

	saved, callErr := m.deps.Saver.SaveSession(runCtx, m.owner, *snapshot.Context, *snapshot.Structured, snapshot.Transcription.Text)
	if callErr != nil {
		state, err := m.Dispatch(SaveFailed{Seq: seq, Error: callErr.Error()})
		if err != nil {
			return state, err
		}
		return state, callErr
	}

	return m.Dispatch(SaveCompleted{Seq: seq, ID: saved.ID})
}

// Subscribe returns the current state and streams every later transition
// until cancel is called or the subscriber falls too far behind.
func (m *Machine) Subscribe() (State, <-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	snapshot := m.state.clone()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
	return snapshot, ch, cancel
}

// Close cancels outstanding calls and ends all subscriptions.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for op, call := range m.inflight {
		call.cancel()
		delete(m.inflight, op)
	}
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Machine) idleSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched, len(m.inflight) == 0
}

func (m *Machine) begin(ctx context.Context, op Operation, ev Event) (State, uint64, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.dispatchLocked(ev)
	if err != nil {
		return state, 0, nil, err
	}

	seq := state.Pending(op)
	if seq == 0 {
		return state, 0, nil, fmt.Errorf("%w: %s was not started", ErrStale, op)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.inflight[op] = inflight{seq: seq, cancel: cancel}
	return state, seq, runCtx, nil
}

func (m *Machine) finish(op Operation, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(op, seq)
}

func (m *Machine) release(op Operation, seq uint64) {
	if call, ok := m.inflight[op]; ok && call.seq == seq {
		call.cancel()
		delete(m.inflight, op)
	}
}

// IsConflict reports whether err describes a request the current state
// cannot accept, as opposed to bad input or a collaborator failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrPrerequisite) ||
		errors.Is(err, ErrStale) || errors.Is(err, ErrAlreadySaved)
}
