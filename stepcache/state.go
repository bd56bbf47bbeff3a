package stepcache

import (
	"log/slog"

	"github.com/wandiff/wandiff/ml"
)

// NoPrediction marks the absence of a session id. Passing it to the
// controller starts a new prediction.
const NoPrediction = -1

// Session is the cached state of one prediction in flight. Independent
// predictions (for example the conditional and unconditional branches of
// classifier-free guidance) each hold their own session.
type Session struct {
	// Residual is the (output - input) delta of the last computed pass.
	Residual ml.Tensor

	// Snapshot is the modulation signal of the last computed step.
	// Skipped steps keep measuring drift against it.
	Snapshot ml.Tensor

	// Accumulated is the relative distance built up since the last
	// computed step.
	Accumulated float32

	// SkippedSteps counts reused passes over the session's lifetime.
	SkippedSteps int
}

// SessionUpdate applies only the fields that are set. Tensor fields are
// moved to the cache device and rounded to the cache dtype as part of the
// write.
type SessionUpdate struct {
	Residual     ml.Tensor
	Snapshot     ml.Tensor
	Accumulated  *float32
	SkippedSteps *int
}

// State maps prediction ids to sessions. It is owned by the enclosing
// generation run and provides no locking: concurrent runs must use disjoint
// ids or synchronize externally. Sessions are never evicted; callers clear
// them at run completion.
type State struct {
	device   ml.Device
	dtype    ml.DType
	sessions map[int]*Session
	nextID   int
}

// NewState builds an empty store. Session tensors are parked on cacheDevice
// in the cacheDType storage precision.
func NewState(cacheDevice ml.Device, cacheDType ml.DType) *State {
	if cacheDevice == "" {
		cacheDevice = ml.CPU
	}

	return &State{
		device:   cacheDevice,
		dtype:    cacheDType,
		sessions: make(map[int]*Session),
	}
}

// NewPrediction allocates an empty session and returns its id. Ids start at
// 0 and increase monotonically until ClearAll.
func (s *State) NewPrediction() int {
	id := s.nextID
	s.nextID++
	s.sessions[id] = &Session{}
	return id
}

// Update merges u into the session. Unknown ids are ignored so stale
// references are harmless.
func (s *State) Update(ctx ml.Context, id int, u SessionUpdate) {
	session, ok := s.sessions[id]
	if !ok {
		return
	}

	if u.Residual != nil {
		session.Residual = u.Residual.To(ctx, s.device).Convert(ctx, s.dtype)
	}
	if u.Snapshot != nil {
		session.Snapshot = u.Snapshot.To(ctx, s.device).Convert(ctx, s.dtype)
	}
	if u.Accumulated != nil {
		session.Accumulated = *u.Accumulated
	}
	if u.SkippedSteps != nil {
		session.SkippedSteps = *u.SkippedSteps
	}
}

// Get returns the session for id, or a zero session if it does not exist.
func (s *State) Get(id int) Session {
	if session, ok := s.sessions[id]; ok {
		return *session
	}

	return Session{}
}

func (s *State) Has(id int) bool {
	_, ok := s.sessions[id]
	return ok
}

func (s *State) Len() int {
	return len(s.sessions)
}

func (s *State) ClearPrediction(id int) {
	delete(s.sessions, id)
}

// ClearAll removes every session and resets the id counter.
func (s *State) ClearAll() {
	clear(s.sessions)
	s.nextID = 0
}

func (s *State) Report() {
	for id, session := range s.sessions {
		slog.Info("step cache session", "id", id, "skipped", session.SkippedSteps, "accumulated", session.Accumulated)
	}
}
