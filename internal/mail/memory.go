package mail

import (
	"context"
	"sync"
)

// Discard is a Mailer that silently drops every message, for deployments
// with mail disabled.
type Discard struct{}

// Send discards the message.
func (Discard) Send(context.Context, string, string, []string) error {
	return nil
}

// SentMessage records one email captured by the Recorder.
type SentMessage struct {
	Subject string
	Body    string
	To      []string
}

// Recorder is an in-memory Mailer for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []SentMessage
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records the message instead of delivering it.
func (r *Recorder) Send(_ context.Context, subject, body string, to []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, SentMessage{Subject: subject, Body: body, To: to})
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentMessage, len(r.sent))
	copy(out, r.sent)
	return out
}
