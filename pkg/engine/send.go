// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/lrhodin/convsync/pkg/config"
	"github.com/lrhodin/convsync/pkg/message"
)

// RetryPolicy decides how often and how fast failed recipients are retried. Send,
// Resend and ForceResend all use the same policy.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Limiter throttles retries and manual resends. The first attempt of a new send isn't throttled.
	Limiter *rate.Limiter
}

func NewRetryPolicy(cfg *config.SendConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    cfg.GetMaxAttempts(),
		InitialBackoff: cfg.GetInitialBackoff(),
		MaxBackoff:     cfg.GetMaxBackoff(),
		Limiter:        rate.NewLimiter(rate.Limit(cfg.GetResendsPerSecond()), cfg.GetResendBurst()),
	}
}

// Backoff returns the delay before the given attempt. The first attempt has no delay.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := rp.InitialBackoff
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= rp.MaxBackoff {
			return rp.MaxBackoff
		}
	}
	return min(delay, rp.MaxBackoff)
}

// Wait blocks until the given attempt may run.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int, throttle bool) error {
	if delay := rp.Backoff(attempt); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if throttle && rp.Limiter != nil {
		return rp.Limiter.Wait(ctx)
	}
	return nil
}

// Outgoing is a new message composed by the local account.
type Outgoing struct {
	ConversationID string
	Content        message.Content
	// Recipients defaults to the conversation members.
	Recipients []string
	// SentAt defaults to the current time.
	SentAt int64
}

type SendReport struct {
	Message  *message.Message
	Outcome  message.SendOutcome
	Attempts int
	Err      error
}

// SendTask tracks the delivery of one message.
type SendTask struct {
	Ref    message.Ref
	done   chan struct{}
	report SendReport
}

func newSendTask(ref message.Ref) *SendTask {
	return &SendTask{Ref: ref, done: make(chan struct{})}
}

func (t *SendTask) finish(report SendReport) {
	t.report = report
	close(t.done)
}

func (t *SendTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until delivery has finished all of its attempts.
func (t *SendTask) Wait(ctx context.Context) (SendReport, error) {
	select {
	case <-t.done:
		return t.report, nil
	case <-ctx.Done():
		return SendReport{}, ctx.Err()
	}
}

func (e *Engine) checkOnline() error {
	if e.transport == nil {
		return fmt.Errorf("%w: no transport configured", ErrNetworkUnavailable)
	}
	if cc, ok := e.transport.(ConnectivityChecker); ok && !cc.IsOnline() {
		return ErrNetworkUnavailable
	}
	return nil
}

// Send stores a new outgoing message and starts delivering it. It fails immediately
// with ErrNetworkUnavailable if the transport is offline, without storing anything.
func (e *Engine) Send(ctx context.Context, out Outgoing) (*SendTask, error) {
	if err := e.checkOnline(); err != nil {
		e.countEvent("send", err)
		return nil, err
	}
	var task *SendTask
	var targets []string
	err := e.run(ctx, out.ConversationID, "send", func(ctx context.Context, conv *conversation) error {
		now := e.nowMS()
		sentAt := out.SentAt
		if sentAt == 0 {
			sentAt = now
		}
		recipients := out.Recipients
		if recipients == nil {
			recipients = conv.recipients(e.cfg.Self.ID)
		}
		ref := message.Ref{Source: e.cfg.Self.ID, SourceDevice: e.cfg.Self.Device, SentAt: sentAt}
		if existing, err := e.lookup(ctx, conv, ref); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("message %s already exists", ref)
		}
		m := message.NewOutgoing(conv.id, ref, recipients, now)
		if out.Content.ExpireTimer == 0 && conv.meta.ExpireTimer > 0 {
			out.Content.ExpireTimer = conv.meta.ExpireTimer
		}
		delta, err := m.ApplyIncomingContent(out.Content)
		if err != nil {
			return err
		}
		if len(recipients) == 0 {
			// Nobody else to deliver to, e.g. a note to self.
			delta |= m.MarkSent(message.SendResult{}, now)
		}
		if err = e.arrived(ctx, conv, m, delta); err != nil {
			return err
		}
		task = newSendTask(ref)
		targets = slices.Clone(recipients)
		if len(targets) == 0 {
			task.finish(SendReport{Message: m.Clone(), Outcome: m.SendOutcome()})
		}
		return nil
	})
	e.countEvent("send", err)
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		e.startDelivery(out.ConversationID, task, targets, false)
	}
	return task, nil
}

// Resend retries the recipients that failed with a retryable or identity error and
// those that were never attempted. Terminal failures aren't retried.
func (e *Engine) Resend(ctx context.Context, conversationID string, ref message.Ref) (*SendTask, error) {
	return e.resend(ctx, conversationID, ref, "resend", func(m *message.Message) []string {
		targets := m.FailedRecipients(message.ClassTransient, message.ClassIdentity)
		return append(targets, m.UnsentRecipients()...)
	})
}

// ForceResend sends the message to every recipient again, e.g. after identity
// changes were approved. Recipients that already received it are deduplicated by
// the transport.
func (e *Engine) ForceResend(ctx context.Context, conversationID string, ref message.Ref) (*SendTask, error) {
	return e.resend(ctx, conversationID, ref, "force resend", func(m *message.Message) []string {
		return slices.Clone(m.Recipients)
	})
}

func (e *Engine) resend(ctx context.Context, conversationID string, ref message.Ref, name string, pick func(m *message.Message) []string) (*SendTask, error) {
	if err := e.checkOnline(); err != nil {
		return nil, err
	}
	task := newSendTask(ref)
	var targets []string
	err := e.run(ctx, conversationID, name, func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, ref)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
		} else if m.Direction != message.DirectionOutgoing {
			return fmt.Errorf("%w: %s", ErrNotOutgoing, ref)
		}
		targets = pick(m)
		if len(targets) == 0 {
			task.finish(SendReport{Message: m.Clone(), Outcome: m.SendOutcome()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		e.startDelivery(conversationID, task, targets, true)
	}
	return task, nil
}

func (e *Engine) startDelivery(conversationID string, task *SendTask, targets []string, throttle bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		report := e.deliver(e.ctx, conversationID, task.Ref, targets, throttle)
		e.metrics.sendOutcomes.WithLabelValues(report.Outcome.String()).Inc()
		task.finish(report)
	}()
}

// deliver runs send attempts until every target succeeded, failed with a non-transient
// error, or the attempts ran out.
func (e *Engine) deliver(ctx context.Context, conversationID string, ref message.Ref, targets []string, throttle bool) (report SendReport) {
	log := e.log.With().
		Str("conversation_id", conversationID).
		Stringer("message", ref).
		Logger()
	ctx = log.WithContext(ctx)
	for attempt := 1; len(targets) > 0; attempt++ {
		report.Attempts = attempt
		if err := e.retry.Wait(ctx, attempt, throttle || attempt > 1); err != nil {
			report.Err = err
			break
		}
		var env Envelope
		err := e.run(ctx, conversationID, "prepare send", func(ctx context.Context, conv *conversation) error {
			m, err := e.lookup(ctx, conv, ref)
			if err != nil {
				return err
			} else if m == nil {
				return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
			}
			env = Envelope{ConversationID: conv.id, Message: m.Clone(), Recipients: targets, Attempt: attempt}
			return nil
		})
		if err != nil {
			report.Err = err
			break
		}
		e.metrics.sendAttempts.Inc()
		res, sendErr := e.transport.Send(ctx, env)
		if sendErr != nil {
			log.Warn().Err(sendErr).Int("attempt", attempt).Msg("Send attempt failed")
			res = networkFailure(targets, sendErr)
		}
		var next []string
		err = e.run(ctx, conversationID, "send result", func(ctx context.Context, conv *conversation) error {
			m, err := e.lookup(ctx, conv, ref)
			if err != nil {
				return err
			} else if m == nil {
				return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
			}
			delta := m.MarkFailed(res.Errors)
			if len(res.SuccessfulRecipients) > 0 || res.ServerTimestamp > 0 {
				delta |= m.MarkSent(res, e.nowMS())
			}
			if err = e.commit(ctx, conv, m, delta); err != nil {
				return err
			}
			next = retryTargets(m, targets)
			report.Message = m.Clone()
			report.Outcome = m.SendOutcome()
			return nil
		})
		if err != nil {
			report.Err = err
			break
		}
		if len(next) > 0 && attempt >= e.retry.MaxAttempts {
			log.Warn().Strs("recipients", next).Int("attempts", attempt).Msg("Giving up on send after retries")
			break
		}
		targets = next
	}
	if report.Err != nil && errors.Is(report.Err, context.Canceled) {
		report.Err = ErrEngineClosed
	}
	log.Debug().
		Stringer("outcome", report.Outcome).
		Int("attempts", report.Attempts).
		Msg("Delivery finished")
	return report
}

// networkFailure turns a transport error into a retryable error for every target.
func networkFailure(targets []string, err error) message.SendResult {
	name := message.NameSendMessageNetwork
	if errors.Is(err, ErrNetworkUnavailable) {
		name = message.NameMessageNetwork
	}
	res := message.SendResult{Errors: make([]message.SendError, len(targets))}
	for i, recipient := range targets {
		res.Errors[i] = message.SendError{Recipient: recipient, Name: name, Message: err.Error()}
	}
	return res
}

// retryTargets returns the targets of the last attempt that should be tried again:
// those that failed transiently and those the transport didn't report on.
func retryTargets(m *message.Message, targets []string) []string {
	transient := m.FailedRecipients(message.ClassTransient)
	unsent := m.UnsentRecipients()
	var out []string
	for _, recipient := range targets {
		if slices.Contains(transient, recipient) || slices.Contains(unsent, recipient) {
			out = append(out, recipient)
		}
	}
	return out
}
