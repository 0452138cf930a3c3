package gateway

import (
	"sync/atomic"
	"time"
)

// Session holds the resumable state of one shard's gateway session. It is
// owned exclusively by the shard's run loop; atomics let status surfaces
// read it without coordination.
type Session struct {
	sessionID        atomic.Pointer[string]
	resumeGatewayURL atomic.Pointer[string]
	sequence         atomic.Int32

	// Zero while connected. Set when the transport is lost; a session whose
	// deadline has passed may no longer be resumed.
	resumeDeadline atomic.Pointer[time.Time]
}

func NewSession() *Session {
	return &Session{}
}

func (session *Session) ID() string {
	id := session.sessionID.Load()
	if id == nil {
		return ""
	}

	return *id
}

func (session *Session) SetID(id string) {
	session.sessionID.Store(&id)
}

func (session *Session) ResumeGatewayURL() string {
	url := session.resumeGatewayURL.Load()
	if url == nil {
		return ""
	}

	return *url
}

func (session *Session) SetResumeGatewayURL(url string) {
	session.resumeGatewayURL.Store(&url)
}

func (session *Session) Sequence() int32 {
	return session.sequence.Load()
}

func (session *Session) SetSequence(sequence int32) {
	session.sequence.Store(sequence)
}

// MarkDisconnected starts the resume window. Connecting again clears it.
func (session *Session) MarkDisconnected(now time.Time, window time.Duration) {
	deadline := now.Add(window)
	session.resumeDeadline.Store(&deadline)
}

// MarkConnected stops the resume window countdown.
func (session *Session) MarkConnected() {
	session.resumeDeadline.Store(nil)
}

// Resumable reports whether this session can be reattached: it needs a
// session id, at least one seen sequence, a resume endpoint, and an
// unexpired resume window.
func (session *Session) Resumable(now time.Time) bool {
	if session.ID() == "" || session.Sequence() == 0 || session.ResumeGatewayURL() == "" {
		return false
	}

	deadline := session.resumeDeadline.Load()
	if deadline != nil && now.After(*deadline) {
		return false
	}

	return true
}

// Clear drops all session state, forcing the next connection to identify.
func (session *Session) Clear() {
	session.sessionID.Store(nil)
	session.resumeGatewayURL.Store(nil)
	session.sequence.Store(0)
	session.resumeDeadline.Store(nil)
}
