// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"fmt"
	"slices"
)

// Forward is the context of a forwarded message. Forwarded messages may themselves
// carry forwards.
type Forward struct {
	Messages []ForwardedMessage `json:"messages"`
}

type ForwardedMessage struct {
	Author      string       `json:"author"`
	SentAt      int64        `json:"sent_at,omitempty"`
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Forward     *Forward     `json:"forward,omitempty"`
}

func (f *Forward) validate() error {
	if len(f.Messages) == 0 {
		return fmt.Errorf("%w: empty forward", ErrInvalidContent)
	}
	for i, fm := range f.Messages {
		if fm.Author == "" {
			return fmt.Errorf("%w: forwarded message %d has no author", ErrInvalidContent, i)
		}
		for j, att := range fm.Attachments {
			if att.Ref == "" {
				return fmt.Errorf("%w: forwarded attachment %d/%d has no pointer", ErrInvalidContent, i, j)
			}
		}
		if fm.Forward != nil {
			if err := fm.Forward.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Forward) clone() *Forward {
	if f == nil {
		return nil
	}
	c := &Forward{Messages: make([]ForwardedMessage, len(f.Messages))}
	for i, fm := range f.Messages {
		c.Messages[i] = ForwardedMessage{
			Author:      fm.Author,
			SentAt:      fm.SentAt,
			Body:        fm.Body,
			Attachments: slices.Clone(fm.Attachments),
			Forward:     fm.Forward.clone(),
		}
	}
	return c
}

func (f *Forward) walk(fn func(att *Attachment)) {
	if f == nil {
		return
	}
	for i := range f.Messages {
		for j := range f.Messages[i].Attachments {
			fn(&f.Messages[i].Attachments[j])
		}
		f.Messages[i].Forward.walk(fn)
	}
}

// ForwardedAttachment is one entry of a flattened forward tree. Path holds the
// message index at each level followed by the attachment index.
type ForwardedAttachment struct {
	Path       []int
	Depth      int
	Attachment Attachment
}

// FlattenForwardAttachments collects the attachments of a forward tree in depth-first
// order, descending at most maxDepth levels. A non-positive maxDepth uses
// DefaultMaxForwardDepth.
func FlattenForwardAttachments(f *Forward, maxDepth int) []ForwardedAttachment {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxForwardDepth
	}
	return flattenForward(f, 1, maxDepth, nil)
}

func flattenForward(f *Forward, depth, maxDepth int, prefix []int) []ForwardedAttachment {
	if f == nil || depth > maxDepth {
		return nil
	}
	var out []ForwardedAttachment
	for i, fm := range f.Messages {
		msgPath := append(slices.Clone(prefix), i)
		for j, att := range fm.Attachments {
			out = append(out, ForwardedAttachment{
				Path:       append(slices.Clone(msgPath), j),
				Depth:      depth,
				Attachment: att,
			})
		}
		out = append(out, flattenForward(fm.Forward, depth+1, maxDepth, msgPath)...)
	}
	return out
}

func (f *Forward) attachmentAt(path []int) *Attachment {
	if f == nil || len(path) < 2 {
		return nil
	}
	idx := path[0]
	if idx < 0 || idx >= len(f.Messages) {
		return nil
	}
	fm := &f.Messages[idx]
	if len(path) == 2 {
		attIdx := path[1]
		if attIdx < 0 || attIdx >= len(fm.Attachments) {
			return nil
		}
		return &fm.Attachments[attIdx]
	}
	return fm.Forward.attachmentAt(path[1:])
}

// CountForwarded returns the number of forwarded messages at the top level.
func (f *Forward) CountForwarded() int {
	if f == nil {
		return 0
	}
	return len(f.Messages)
}
