package workflow

import (
	"fmt"
	"reflect"

	"braindump/internal/domain"
)

// reduce applies ev to s and returns the next state. It never mutates s.
func reduce(s State, ev Event) (State, error) {
	next := s.clone()

	switch ev := ev.(type) {
	case ContextSubmitted:
		if err := ev.Context.Validate(); err != nil {
			return s, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sc := ev.Context.Normalize()
		if next.Context != nil && *next.Context != sc {
			invalidateStructured(&next)
		}
		next.Context = &sc
		next.Stage = StageAcquiring

	case AudioSelected:
		if next.Context == nil {
			return s, fmt.Errorf("%w: session context is required before audio", ErrPrerequisite)
		}
		if err := ev.Audio.Validate(); err != nil {
			return s, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		audio := ev.Audio
		next.Audio = &audio
		invalidateTranscription(&next)
		next.Stage = StageAcquiring

	case AudioCleared:
		next.Audio = nil
		invalidateTranscription(&next)
		if next.Stage > StageAcquiring {
			next.Stage = StageAcquiring
		}

	case Navigated:
		if err := checkReachable(next, ev.Stage); err != nil {
			return s, err
		}
		next.Stage = ev.Stage

	case TranscriptionRequested:
		if next.Context == nil || next.Audio == nil {
			return s, fmt.Errorf("%w: audio is required before transcription", ErrPrerequisite)
		}
		if next.pending[OpTranscribe] != 0 {
			return s, fmt.Errorf("%w: transcription", ErrBusy)
		}
		if next.AudioConsumed {
			return s, fmt.Errorf("%w: uploaded audio was removed after transcription, upload it again", ErrPrerequisite)
		}
		next.lastSeq++
		next.pending[OpTranscribe] = next.lastSeq
		next.TranscriptionErr = ""
		next.Stage = StageTranscribing

	case TranscriptionCompleted:
		if err := settle(&next, OpTranscribe, ev.Seq); err != nil {
			return s, err
		}
		result := ev.Result
		if !result.Succeeded {
			return reduceTranscriptionFailure(next, result.Error), nil
		}
		if next.Transcription == nil || next.Transcription.Text != result.Text {
			invalidateStructured(&next)
		}
		next.Transcription = &result
		next.TranscriptionErr = ""
		// the blob store drops remote audio once it has been transcribed
		next.AudioConsumed = next.Audio != nil && next.Audio.IsRemote()

	case TranscriptionFailed:
		if err := settle(&next, OpTranscribe, ev.Seq); err != nil {
			return s, err
		}
		return reduceTranscriptionFailure(next, ev.Error), nil

	case StructuringRequested:
		if next.Context == nil || !next.HasTranscript() {
			return s, fmt.Errorf("%w: a successful transcription is required before structuring", ErrPrerequisite)
		}
		if next.pending[OpTranscribe] != 0 {
			return s, fmt.Errorf("%w: transcription still in progress", ErrPrerequisite)
		}
		if next.pending[OpStructure] != 0 {
			return s, fmt.Errorf("%w: structuring", ErrBusy)
		}
		next.lastSeq++
		next.pending[OpStructure] = next.lastSeq
		next.StructuringError = ""
		next.Stage = StageStructuring

	case StructuringCompleted:
		if err := settle(&next, OpStructure, ev.Seq); err != nil {
			return s, err
		}
		result := ev.Outcome.Result
		next.Structured = &result
		next.Degraded = ev.Outcome.Fallback
		next.StructuringError = ""
		next.SavedID = ""
		next.SaveError = ""
		next.Generation++

	case StructuringFailed:
		if err := settle(&next, OpStructure, ev.Seq); err != nil {
			return s, err
		}
		next.StructuringError = ev.Error

	case SaveRequested:
		if next.Context == nil || next.Structured == nil || !next.HasTranscript() {
			return s, fmt.Errorf("%w: nothing to save", ErrPrerequisite)
		}
		if next.SavedID != "" {
			return s, fmt.Errorf("%w: %s", ErrAlreadySaved, next.SavedID)
		}
		if next.pending[OpSave] != 0 {
			return s, fmt.Errorf("%w: save", ErrBusy)
		}
		next.lastSeq++
		next.pending[OpSave] = next.lastSeq
		next.SaveError = ""
		next.Stage = StageStructuring

	case SaveCompleted:
		if err := settle(&next, OpSave, ev.Seq); err != nil {
			return s, err
		}
		next.SavedID = ev.ID

	case SaveFailed:
		if err := settle(&next, OpSave, ev.Seq); err != nil {
			return s, err
		}
		next.SaveError = ev.Error

	default:
		return s, fmt.Errorf("%w: unsupported event %s", ErrInvalidInput, reflect.TypeOf(ev))
	}

	dropForeignOperations(&next)
	syncFlags(&next)
	return next, nil
}

func reduceTranscriptionFailure(next State, msg string) State {
	if msg == "" {
		msg = "transcription failed"
	}
	if next.HasTranscript() {
		// a failed re-run keeps the earlier transcript of the same audio
		next.TranscriptionErr = msg
	} else {
		invalidateStructured(&next)
		next.Transcription = &domain.TranscriptionResult{Succeeded: false, Error: msg}
	}
	dropForeignOperations(&next)
	syncFlags(&next)
	return next
}

// settle clears the pending request for op if seq is the latest one issued.
func settle(s *State, op Operation, seq uint64) error {
	if seq == 0 || s.pending[op] != seq {
		return fmt.Errorf("%w: %s #%d", ErrStale, op, seq)
	}
	delete(s.pending, op)
	return nil
}

func invalidateTranscription(s *State) {
	s.Transcription = nil
	s.TranscriptionErr = ""
	s.AudioConsumed = false
	delete(s.pending, OpTranscribe)
	invalidateStructured(s)
}

func invalidateStructured(s *State) {
	s.Structured = nil
	s.Degraded = false
	s.StructuringError = ""
	s.SavedID = ""
	s.SaveError = ""
	delete(s.pending, OpStructure)
	delete(s.pending, OpSave)
}

func checkReachable(s State, target Stage) error {
	switch target {
	case StageSetup:
		return nil
	case StageAcquiring:
		if s.Context != nil {
			return nil
		}
	case StageTranscribing:
		if s.Context != nil && s.Audio != nil {
			return nil
		}
	case StageStructuring:
		if s.Context != nil && s.HasTranscript() {
			return nil
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownStage, int(target))
	}
	return fmt.Errorf("%w: cannot navigate to %s", ErrPrerequisite, target)
}

// dropForeignOperations forgets requests whose results belong to another stage.
// A save outlives navigation so its record id is never lost.
func dropForeignOperations(s *State) {
	for _, op := range operations {
		if op == OpSave {
			continue
		}
		if s.pending[op] != 0 && op.stage() != s.Stage {
			delete(s.pending, op)
		}
	}
}

func syncFlags(s *State) {
	s.Transcribing = s.pending[OpTranscribe] != 0
	s.Structuring = s.pending[OpStructure] != 0
	s.Saving = s.pending[OpSave] != 0
}
