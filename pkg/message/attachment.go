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
	"strconv"
	"strings"
)

// DefaultMaxForwardDepth bounds how many levels of nested forwarded messages are
// searched for attachments.
const DefaultMaxForwardDepth = 4

type Attachment struct {
	// Ref is the remote pointer handed to the downloader.
	Ref         string `json:"ref"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	// Path is the local handle once the download has completed.
	Path       string `json:"path,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	FetchError bool   `json:"fetch_error,omitempty"`
}

func (a *Attachment) resetTransferState() {
	a.Path = ""
	a.FetchError = false
	a.Pending = a.Ref != ""
}

// NeedsDownload reports whether the attachment has a pointer but no local copy yet.
func (a *Attachment) NeedsDownload() bool {
	return a != nil && a.Ref != "" && a.Path == "" && !a.FetchError
}

type QuotedAttachment struct {
	ContentType string      `json:"content_type,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	Thumbnail   *Attachment `json:"thumbnail,omitempty"`
}

type Quote struct {
	Author      string             `json:"author"`
	SentAt      int64              `json:"sent_at"`
	Text        string             `json:"text,omitempty"`
	Attachments []QuotedAttachment `json:"attachments,omitempty"`

	// ReferencedMessageID is set once the quoted message has been found locally.
	ReferencedMessageID       string `json:"referenced_message_id,omitempty"`
	ReferencedMessageNotFound bool   `json:"referenced_message_not_found,omitempty"`
}

func (q *Quote) clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	c.Attachments = slices.Clone(q.Attachments)
	for i, qa := range c.Attachments {
		if qa.Thumbnail != nil {
			thumb := *qa.Thumbnail
			c.Attachments[i].Thumbnail = &thumb
		}
	}
	return &c
}

// IsResolved reports whether the quoted message has been looked up.
func (q *Quote) IsResolved() bool {
	return q.ReferencedMessageID != "" || q.ReferencedMessageNotFound
}

type Contact struct {
	Name    string      `json:"name,omitempty"`
	Numbers []string    `json:"numbers,omitempty"`
	Avatar  *Attachment `json:"avatar,omitempty"`
}

func cloneContacts(contacts []Contact) []Contact {
	if contacts == nil {
		return nil
	}
	out := make([]Contact, len(contacts))
	for i, c := range contacts {
		out[i] = Contact{Name: c.Name, Numbers: slices.Clone(c.Numbers)}
		if c.Avatar != nil {
			avatar := *c.Avatar
			out[i].Avatar = &avatar
		}
	}
	return out
}

type SlotKind string

const (
	SlotAttachment     SlotKind = "attachment"
	SlotQuoteThumbnail SlotKind = "quote_thumbnail"
	SlotContactAvatar  SlotKind = "contact_avatar"
	SlotForwarded      SlotKind = "forwarded"
)

// Slot addresses one downloadable attachment inside a message. Path is only used
// for forwarded attachments and holds the indices from the outermost forward down.
type Slot struct {
	Kind  SlotKind `json:"kind"`
	Index int      `json:"index"`
	Path  []int    `json:"path,omitempty"`
}

func (s Slot) String() string {
	if len(s.Path) == 0 {
		return fmt.Sprintf("%s/%d", s.Kind, s.Index)
	}
	parts := make([]string, len(s.Path))
	for i, idx := range s.Path {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("%s/%s", s.Kind, strings.Join(parts, "."))
}

type PendingDownload struct {
	Slot       Slot
	Attachment Attachment
}

// PendingDownloads lists every attachment of the message that still needs to be fetched.
func (m *Message) PendingDownloads(maxForwardDepth int) []PendingDownload {
	var out []PendingDownload
	for i := range m.Attachments {
		if m.Attachments[i].NeedsDownload() {
			out = append(out, PendingDownload{Slot{Kind: SlotAttachment, Index: i}, m.Attachments[i]})
		}
	}
	if m.Quote != nil {
		for i, qa := range m.Quote.Attachments {
			if qa.Thumbnail.NeedsDownload() {
				out = append(out, PendingDownload{Slot{Kind: SlotQuoteThumbnail, Index: i}, *qa.Thumbnail})
			}
		}
	}
	for i, c := range m.Contacts {
		if c.Avatar.NeedsDownload() {
			out = append(out, PendingDownload{Slot{Kind: SlotContactAvatar, Index: i}, *c.Avatar})
		}
	}
	for _, fa := range FlattenForwardAttachments(m.Forward, maxForwardDepth) {
		if fa.Attachment.NeedsDownload() {
			out = append(out, PendingDownload{Slot{Kind: SlotForwarded, Path: fa.Path}, fa.Attachment})
		}
	}
	return out
}

// AttachmentAt returns a pointer to the attachment addressed by the slot, or nil.
func (m *Message) AttachmentAt(slot Slot) *Attachment {
	switch slot.Kind {
	case SlotAttachment:
		if slot.Index >= 0 && slot.Index < len(m.Attachments) {
			return &m.Attachments[slot.Index]
		}
	case SlotQuoteThumbnail:
		if m.Quote != nil && slot.Index >= 0 && slot.Index < len(m.Quote.Attachments) {
			return m.Quote.Attachments[slot.Index].Thumbnail
		}
	case SlotContactAvatar:
		if slot.Index >= 0 && slot.Index < len(m.Contacts) {
			return m.Contacts[slot.Index].Avatar
		}
	case SlotForwarded:
		return m.Forward.attachmentAt(slot.Path)
	}
	return nil
}

type AttachmentResult struct {
	Slot        Slot   `json:"slot"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FetchError  bool   `json:"fetch_error,omitempty"`
}

// ApplyAttachmentResult stores the outcome of a download in the addressed attachment.
// A failed download only marks that attachment.
func (m *Message) ApplyAttachmentResult(res AttachmentResult) Delta {
	att := m.AttachmentAt(res.Slot)
	if att == nil {
		return 0
	}
	before := *att
	att.Pending = false
	if res.FetchError {
		att.FetchError = true
	} else {
		att.FetchError = false
		att.Path = res.Path
		if res.ContentType != "" {
			att.ContentType = res.ContentType
		}
		if res.Size > 0 {
			att.Size = res.Size
		}
		if res.Width > 0 && res.Height > 0 {
			att.Width, att.Height = res.Width, res.Height
		}
	}
	if *att == before {
		return 0
	}
	if res.Slot.Kind == SlotQuoteThumbnail {
		return ChangedQuote
	}
	return ChangedAttachments
}
