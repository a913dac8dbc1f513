// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/convsync/pkg/config"
	"github.com/lrhodin/convsync/pkg/eventlog"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/store"
)

var replayCommand = &cli.Command{
	Name:      "replay",
	Usage:     "Apply every event in a JSON lines event file",
	ArgsUsage: "EVENTS_FILE",
	Before:    prepareApp,
	Action:    cmdReplay,
}

var followCommand = &cli.Command{
	Name:      "follow",
	Usage:     "Apply the events in a JSON lines file and keep applying events appended to it",
	ArgsUsage: "EVENTS_FILE",
	Before:    prepareApp,
	Action:    cmdFollow,
}

var windowCommand = &cli.Command{
	Name:      "window",
	Usage:     "Print a page of messages of a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    prepareApp,
	Action:    cmdWindow,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of messages to print",
			Value: 20,
		},
		&cli.StringFlag{
			Name:  "before",
			Usage: "Cursor printed by a previous call, to page towards older messages",
		},
	},
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "Print the unread count, read position and preview of a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    prepareApp,
	Action:    cmdStatus,
}

var generateConfigCommand = &cli.Command{
	Name:   "generate-config",
	Usage:  "Write the example config to the config path",
	Action: cmdGenerateConfig,
}

var upgradeConfigCommand = &cli.Command{
	Name:   "upgrade-config",
	Usage:  "Add missing keys to the config file",
	Action: cmdUpgradeConfig,
}

func cmdReplay(ctx *cli.Context) error {
	return runEvents(ctx, false)
}

func cmdFollow(ctx *cli.Context) error {
	return runEvents(ctx, true)
}

func runEvents(ctx *cli.Context, follow bool) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify an event file")
	}
	path := ctx.Args().Get(0)
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	eng, err := newEngine(ctx, st)
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	var stats eventlog.Stats
	if follow {
		eng.Start()
		stats, err = eventlog.Follow(ctx.Context, path, eng)
	} else {
		stats, err = eventlog.ReplayFile(ctx.Context, path, eng)
	}
	if err != nil {
		return err
	}
	getLogger(ctx).Info().
		Int("applied", stats.Applied).
		Int("invalid", stats.Invalid).
		Int("rejected", stats.Rejected).
		Str("took", humanize.RelTime(start, time.Now(), "", "")).
		Msg("Finished applying events")
	return nil
}

func cmdWindow(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation")
	}
	conversationID := ctx.Args().Get(0)
	q := message.Query{Limit: ctx.Int("limit"), Direction: message.PageBackward}
	if before := ctx.String("before"); before != "" {
		cursor, err := store.DecodeCursor(before)
		if err != nil {
			return err
		}
		q.Cursor = cursor
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	msgs, err := st.GetMessagesByConversation(ctx.Context, conversationID, q)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No messages")
		return nil
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
	if len(msgs) == q.Limit {
		if key, ok := msgs[0].OrderKey(); ok {
			fmt.Printf("\nOlder messages: --before %s\n", store.EncodeCursor(key))
		}
	}
	return nil
}

func formatMessage(m *message.Message) string {
	var sb strings.Builder
	if sortKey, ok := m.SortKey(); ok {
		sb.WriteString(humanize.Time(time.UnixMilli(sortKey)))
	}
	fmt.Fprintf(&sb, " %s: ", m.Source)
	sb.WriteString(describe(m.Project()))
	for _, att := range m.Attachments {
		name := att.FileName
		if name == "" {
			name = att.Ref
		}
		fmt.Fprintf(&sb, " [%s", name)
		if att.Size > 0 {
			fmt.Fprintf(&sb, ", %s", humanize.Bytes(uint64(att.Size)))
		}
		if att.FetchError {
			sb.WriteString(", failed")
		} else if att.Pending {
			sb.WriteString(", pending")
		}
		sb.WriteString("]")
	}
	for _, r := range m.VisibleReactions() {
		fmt.Fprintf(&sb, " %s%s", r.Emoji, r.Sender)
	}
	if m.Direction == message.DirectionOutgoing {
		fmt.Fprintf(&sb, " (%s)", m.ComputeDeliveryStatus(message.StatusContext{}))
	} else if m.Unread {
		sb.WriteString(" *")
	}
	return sb.String()
}

func describe(props message.Props) string {
	switch p := props.(type) {
	case message.StandardProps:
		if p.Recalled {
			return "(recalled)"
		} else if p.Forwarded > 0 {
			return fmt.Sprintf("%s (%d forwarded)", p.Body, p.Forwarded)
		}
		return p.Body
	case message.TimerUpdateProps:
		if p.Disabled {
			return "disabled disappearing messages"
		}
		return "set disappearing messages to " + (time.Duration(p.ExpireTimer) * time.Second).String()
	case message.GroupUpdateProps:
		var parts []string
		if p.Name != "" {
			parts = append(parts, fmt.Sprintf("renamed the group to %q", p.Name))
		}
		if len(p.Joined) > 0 {
			parts = append(parts, "added "+strings.Join(p.Joined, ", "))
		}
		if len(p.Left) > 0 {
			parts = append(parts, "removed "+strings.Join(p.Left, ", "))
		}
		return strings.Join(parts, "; ")
	case message.RecallProps:
		if p.Resolved {
			return "recalled a message"
		}
		return "recalled a message that hasn't arrived"
	case message.EndSessionProps:
		return "reset the secure session"
	case message.KeyChangeProps:
		return "safety number changed for " + p.Subject
	case message.VerifiedChangeProps:
		if p.Verified {
			return "marked " + p.Subject + " as verified"
		}
		return "marked " + p.Subject + " as not verified"
	default:
		return ""
	}
}

func cmdStatus(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation")
	}
	conversationID := ctx.Args().Get(0)
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	conv, err := st.GetConversation(ctx.Context, conversationID)
	if err != nil {
		return err
	} else if conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	count, err := st.CountMessages(ctx.Context, conversationID)
	if err != nil {
		return err
	}
	fmt.Printf("Conversation: %s", conv.ID)
	if conv.Metadata.Name != "" {
		fmt.Printf(" (%s)", conv.Metadata.Name)
	}
	fmt.Println()
	fmt.Printf("Messages: %s\n", humanize.Comma(int64(count)))
	if conv.Ledger == nil {
		fmt.Println("No ledger stored yet")
		return nil
	}
	snap := conv.Ledger
	fmt.Printf("Unread: %d\n", snap.Unread)
	if snap.LastRead.ReadAt > 0 {
		fmt.Printf("Last read: %s\n", humanize.Time(time.UnixMilli(snap.LastRead.ReadAt)))
	}
	if snap.Preview != nil {
		fmt.Printf("Latest: %s: %s\n", snap.Preview.Author, snap.Preview.Body)
	}
	if !conv.Metadata.LastReconciled.IsZero() {
		fmt.Printf("Reconciled: %s\n", humanize.Time(conv.Metadata.LastReconciled.Time))
	}
	return nil
}

func cmdGenerateConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if err := config.WriteExample(path); err != nil {
		return err
	}
	fmt.Printf("Wrote example config to %s\n", path)
	return nil
}

func cmdUpgradeConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := config.Load(path, true); err != nil {
		return err
	}
	fmt.Printf("Upgraded %s\n", path)
	return nil
}
