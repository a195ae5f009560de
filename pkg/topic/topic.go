// Package topic maps the logical message kinds of the dispatch protocol to bus
// topic strings.
//
//	Init      ekc-init            raw kernel source
//	Register  ekc-reg             worker identity
//	Assign    ekc-send-<worker>   encoded image
//	Result    ekc-recv-<worker>   encoded image
//	Failure   ekc-fail-<worker>   error text
package topic

import "strings"

const (
	Init     = "ekc-init"
	Register = "ekc-reg"

	SendPrefix = "ekc-send-"
	RecvPrefix = "ekc-recv-"
	FailPrefix = "ekc-fail-"
)

// Kind identifies the message kind carried by a topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindInit
	KindRegister
	KindAssign
	KindResult
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindRegister:
		return "register"
	case KindAssign:
		return "assign"
	case KindResult:
		return "result"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Send is the topic a worker receives its assignments on.
func Send(workerID string) string { return SendPrefix + workerID }

// Recv is the topic a worker publishes its results on.
func Recv(workerID string) string { return RecvPrefix + workerID }

// Fail is the topic a worker reports task failures on.
func Fail(workerID string) string { return FailPrefix + workerID }

// Parse classifies a topic and extracts the worker identity embedded in
// per-worker topics. The identity is empty for Init and Register.
func Parse(t string) (Kind, string) {
	switch {
	case t == Init:
		return KindInit, ""
	case t == Register:
		return KindRegister, ""
	case strings.HasPrefix(t, SendPrefix) && len(t) > len(SendPrefix):
		return KindAssign, t[len(SendPrefix):]
	case strings.HasPrefix(t, RecvPrefix) && len(t) > len(RecvPrefix):
		return KindResult, t[len(RecvPrefix):]
	case strings.HasPrefix(t, FailPrefix) && len(t) > len(FailPrefix):
		return KindFailure, t[len(FailPrefix):]
	}
	return KindUnknown, ""
}

// ValidWorkerID reports whether id can be embedded in a topic. Identities
// must be non-empty and free of whitespace and NATS subject tokens.
func ValidWorkerID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n.*>")
}
