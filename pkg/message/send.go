// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"slices"
)

type ErrorName string

const (
	NameOutgoingIdentityKey  ErrorName = "OutgoingIdentityKeyError"
	NameSignedPreKeyRotation ErrorName = "SignedPreKeyRotationError"
	NameSendMessageNetwork   ErrorName = "SendMessageNetworkError"
	NameMessageNetwork       ErrorName = "MessageNetworkError"
	NameUnregisteredUser     ErrorName = "UnregisteredUserError"
	NameForbidden            ErrorName = "ForbiddenError"
	NameOutgoingMessage      ErrorName = "OutgoingMessageError"
)

type ErrorClass int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassIdentity errors need a recovery action (trust re-approval, key rotation)
	// before the recipient can be retried.
	ClassIdentity
	// ClassTerminal errors will never succeed for that recipient.
	ClassTerminal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassIdentity:
		return "identity"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

func (n ErrorName) Class() ErrorClass {
	switch n {
	case NameOutgoingIdentityKey, NameSignedPreKeyRotation:
		return ClassIdentity
	case NameUnregisteredUser, NameForbidden:
		return ClassTerminal
	default:
		return ClassTransient
	}
}

type SendError struct {
	Recipient string    `json:"recipient"`
	Name      ErrorName `json:"name"`
	Message   string    `json:"message,omitempty"`
}

func (se SendError) Class() ErrorClass {
	return se.Name.Class()
}

// SendResult is what the transport reports for one send attempt.
type SendResult struct {
	SuccessfulRecipients []string    `json:"successful_recipients"`
	Errors               []SendError `json:"errors,omitempty"`
	ServerTimestamp      int64       `json:"server_timestamp,omitempty"`
}

type SendOutcome int

const (
	OutcomePending SendOutcome = iota
	OutcomeSuccess
	OutcomePartialFailure
	OutcomeTotalFailure
)

func (o SendOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeTotalFailure:
		return "total_failure"
	default:
		return "unknown"
	}
}

// MarkSent merges a send result into the message. The sent-to set only grows and
// keeps the first confirmation time of each recipient, so results for different
// recipient subsets can be applied in any order and replayed safely.
func (m *Message) MarkSent(res SendResult, at int64) Delta {
	var delta Delta
	for _, recipient := range res.SuccessfulRecipients {
		if _, ok := m.SentTo[recipient]; ok {
			continue
		}
		if m.SentTo == nil {
			m.SentTo = make(map[string]int64)
		}
		m.SentTo[recipient] = at
		delta |= ChangedSendState
	}
	if len(m.Errors) > 0 {
		before := len(m.Errors)
		m.Errors = slices.DeleteFunc(m.Errors, func(se SendError) bool {
			_, sent := m.SentTo[se.Recipient]
			return sent
		})
		if len(m.Errors) != before {
			delta |= ChangedErrors
		}
	}
	delta |= m.SetServerTimestamp(res.ServerTimestamp)
	if !m.Sent && m.allRecipientsSent() && (len(m.SentTo) > 0 || len(m.Recipients) == 0) {
		m.Sent = true
		delta |= ChangedSendState
	}
	if m.ExpireTimer > 0 && len(m.SentTo) > 0 {
		delta |= m.startExpiration(at)
	}
	return delta
}

func (m *Message) allRecipientsSent() bool {
	for _, recipient := range m.Recipients {
		if _, ok := m.SentTo[recipient]; !ok {
			return false
		}
	}
	return true
}

// MarkFailed records per-recipient errors. An error for a recipient that has
// already been confirmed is stale and ignored, a newer error for the same recipient
// replaces the old one.
func (m *Message) MarkFailed(errs []SendError) Delta {
	var delta Delta
	for _, se := range errs {
		if _, sent := m.SentTo[se.Recipient]; sent {
			continue
		}
		idx := slices.IndexFunc(m.Errors, func(existing SendError) bool {
			return existing.Recipient == se.Recipient
		})
		if idx >= 0 {
			if m.Errors[idx] == se {
				continue
			}
			m.Errors[idx] = se
		} else {
			m.Errors = append(m.Errors, se)
		}
		delta |= ChangedErrors
	}
	return delta
}

// VisibleErrors returns the errors that should be shown to the user. Terminal
// errors are hidden in groups so that a partially successful send doesn't look failed.
func (m *Message) VisibleErrors(isGroup bool) []SendError {
	if !isGroup {
		return m.Errors
	}
	var out []SendError
	for _, se := range m.Errors {
		if se.Class() != ClassTerminal {
			out = append(out, se)
		}
	}
	return out
}

func (m *Message) SendOutcome() SendOutcome {
	switch {
	case len(m.Errors) == 0 && m.Sent:
		return OutcomeSuccess
	case len(m.Errors) == 0:
		return OutcomePending
	case len(m.SentTo) > 0:
		return OutcomePartialFailure
	default:
		return OutcomeTotalFailure
	}
}

// FailedRecipients returns the recipients with errors of one of the given classes,
// or with any error if no classes are given.
func (m *Message) FailedRecipients(classes ...ErrorClass) []string {
	var out []string
	for _, se := range m.Errors {
		if len(classes) == 0 || slices.Contains(classes, se.Class()) {
			out = append(out, se.Recipient)
		}
	}
	return out
}

// UnsentRecipients returns recipients that have neither succeeded nor failed.
func (m *Message) UnsentRecipients() []string {
	var out []string
	for _, recipient := range m.Recipients {
		if _, ok := m.SentTo[recipient]; ok {
			continue
		}
		if slices.ContainsFunc(m.Errors, func(se SendError) bool { return se.Recipient == recipient }) {
			continue
		}
		out = append(out, recipient)
	}
	return out
}
