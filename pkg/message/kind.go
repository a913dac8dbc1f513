// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

// NotificationKind tags what a message is. Anything other than KindStandard is a
// notice rendered from its own projection.
type NotificationKind string

const (
	KindStandard       NotificationKind = "standard"
	KindTimerUpdate    NotificationKind = "timer_update"
	KindGroupUpdate    NotificationKind = "group_update"
	KindRecall         NotificationKind = "recall"
	KindEndSession     NotificationKind = "end_session"
	KindKeyChange      NotificationKind = "key_change"
	KindVerifiedChange NotificationKind = "verified_change"
)

func (k NotificationKind) Valid() bool {
	_, ok := projections[k]
	return ok
}

func (k NotificationKind) CountsAsUnread() bool {
	return k == KindStandard || k == ""
}

// Props is the read-only projection of a message handed to renderers. The concrete
// type depends on the message's kind.
type Props interface {
	Kind() NotificationKind
}

type StandardProps struct {
	Body        string
	Attachments []Attachment
	Quote       *Quote
	Forwarded   int
	Contacts    []Contact
	Reactions   []Reaction
	Recalled    bool
	Pinned      bool
	ThreadID    string
}

type TimerUpdateProps struct {
	Author      string
	ExpireTimer uint32
	Disabled    bool
}

type GroupUpdateProps struct {
	Author string
	Name   string
	Joined []string
	Left   []string
}

type RecallProps struct {
	Author   string
	Target   Ref
	Resolved bool
}

type EndSessionProps struct {
	Author string
}

type KeyChangeProps struct {
	Subject string
}

type VerifiedChangeProps struct {
	Subject  string
	Verified bool
}

func (StandardProps) Kind() NotificationKind       { return KindStandard }
func (TimerUpdateProps) Kind() NotificationKind    { return KindTimerUpdate }
func (GroupUpdateProps) Kind() NotificationKind    { return KindGroupUpdate }
func (RecallProps) Kind() NotificationKind         { return KindRecall }
func (EndSessionProps) Kind() NotificationKind     { return KindEndSession }
func (KeyChangeProps) Kind() NotificationKind      { return KindKeyChange }
func (VerifiedChangeProps) Kind() NotificationKind { return KindVerifiedChange }

var projections = map[NotificationKind]func(m *Message) Props{
	KindStandard:       projectStandard,
	KindTimerUpdate:    projectTimerUpdate,
	KindGroupUpdate:    projectGroupUpdate,
	KindRecall:         projectRecall,
	KindEndSession:     projectEndSession,
	KindKeyChange:      projectKeyChange,
	KindVerifiedChange: projectVerifiedChange,
}

// Project builds the renderer projection of the message.
func (m *Message) Project() Props {
	fn, ok := projections[m.Kind]
	if !ok {
		fn = projectStandard
	}
	return fn(m.Clone())
}

func projectStandard(m *Message) Props {
	return StandardProps{
		Body:        m.Body,
		Attachments: m.Attachments,
		Quote:       m.Quote,
		Forwarded:   m.Forward.CountForwarded(),
		Contacts:    m.Contacts,
		Reactions:   m.VisibleReactions(),
		Recalled:    m.HasBeenRecalled,
		Pinned:      m.PinID != "",
		ThreadID:    m.ThreadID,
	}
}

func projectTimerUpdate(m *Message) Props {
	props := TimerUpdateProps{Author: m.Source}
	if m.TimerUpdate != nil {
		props.ExpireTimer = m.TimerUpdate.ExpireTimer
	}
	props.Disabled = props.ExpireTimer == 0
	return props
}

func projectGroupUpdate(m *Message) Props {
	props := GroupUpdateProps{Author: m.Source}
	if m.GroupUpdate != nil {
		props.Name = m.GroupUpdate.Name
		props.Joined = m.GroupUpdate.Joined
		props.Left = m.GroupUpdate.Left
	}
	return props
}

func projectRecall(m *Message) Props {
	if m.Recall == nil {
		return RecallProps{Author: m.Source}
	}
	return RecallProps{Author: m.Recall.RealSource.Source, Target: m.Recall.Target, Resolved: m.Recall.Finished}
}

func projectEndSession(m *Message) Props {
	return EndSessionProps{Author: m.Source}
}

func projectKeyChange(m *Message) Props {
	return KeyChangeProps{Subject: m.Subject}
}

func projectVerifiedChange(m *Message) Props {
	return VerifiedChangeProps{Subject: m.Subject, Verified: m.Verified}
}
