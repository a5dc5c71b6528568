// ABOUTME: Message delivery operations: send, broadcast, inbox claim, and blocking wait
// ABOUTME: Sends to absent or expired recipients are queued, never rejected

package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethanmcrae/agent-network/internal/notify"
	"github.com/ethanmcrae/agent-network/internal/store"
)

// SendResult reports a queued direct message.
type SendResult struct {
	MessageID int64  `json:"message_id"`
	To        string `json:"to"`
	Peer      string `json:"peer,omitempty"`
}

// checkSendCaps enforces the content, unread, and rate caps for a direct
// message to one recipient. Broadcast reuses the unread cap per recipient
// but skips rather than fails.
func (b *Broker) checkSendCaps(ctx context.Context, senderID, recipientID, content string) error {
	if len(content) > b.cfg.Limits.MaxContentLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(content), b.cfg.Limits.MaxContentLength)
	}
	unread, err := b.store.CountPendingFrom(ctx, senderID, recipientID)
	if err != nil {
		return storeErr(err)
	}
	if unread >= b.cfg.Limits.MaxUnreadPerSender {
		return fmt.Errorf("%w: %d pending, wait for %s to read them", ErrRecipientBusy, unread, recipientID)
	}
	since := time.Now().Add(-b.cfg.Limits.PairRateWindow)
	recent, err := b.store.CountRecentFrom(ctx, senderID, recipientID, since)
	if err != nil {
		return storeErr(err)
	}
	if recent >= b.cfg.Limits.PairRateLimit {
		return fmt.Errorf("%w: %d messages to %s in the last %s", ErrRateLimited, recent, recipientID, b.cfg.Limits.PairRateWindow)
	}
	return nil
}

// Send queues a direct message for recipientID. The recipient does not
// have to be present or alive: store-and-forward means the message waits
// until they next check their inbox. A recipient with no session row at
// all may instead be reachable through a paired machine; local queuing
// always wins when a row exists, expired or not.
func (b *Broker) Send(ctx context.Context, recipientID, content string) (*SendResult, error) {
	senderID, networkID, err := b.identity(ctx)
	if err != nil {
		return nil, err
	}
	if !agentIDPattern.MatchString(recipientID) {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAgentID, recipientID)
	}
	if err := b.checkSendCaps(ctx, senderID, recipientID, content); err != nil {
		return nil, err
	}

	if b.relay != nil && !b.hasSessionRow(ctx, networkID, recipientID) {
		peer, delivered, err := b.relay.Deliver(ctx, senderID, networkID, recipientID, content)
		if err != nil {
			b.logger.Warn("peer delivery failed, queuing locally", "recipient", recipientID, "error", err)
		} else if delivered {
			b.Heartbeat(ctx)
			return &SendResult{To: recipientID, Peer: peer}, nil
		}
	}

	now := time.Now()
	id, err := b.store.InsertMessage(ctx, &store.Message{
		NetworkID:   networkID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Status:      store.StatusPending,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	b.Heartbeat(ctx)
	b.logger.Debug("message queued", "id", id, "to", recipientID, "network_id", networkID)
	return &SendResult{MessageID: id, To: recipientID}, nil
}

// hasSessionRow reports whether any session row, live or expired, exists
// for the agent in this network. Errors count as "has a row" so the peer
// fallback stays disabled when the store is flaky.
func (b *Broker) hasSessionRow(ctx context.Context, networkID, agentID string) bool {
	sessions, err := b.store.ListSessions(ctx, networkID, time.Time{})
	if err != nil {
		return true
	}
	for _, sess := range sessions {
		if sess.AgentID == agentID {
			return true
		}
	}
	return false
}

// BroadcastResult reports a broadcast fanout.
type BroadcastResult struct {
	Recipients []string `json:"recipients"`
	Remote     int      `json:"remote_recipients,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

// Broadcast queues one copy of content per non-expired member other than
// the sender, as of this instant. Each copy is an independent ordinary
// message afterward. Recipients over their unread cap are skipped and
// reported, not failed.
func (b *Broker) Broadcast(ctx context.Context, content string) (*BroadcastResult, error) {
	senderID, networkID, err := b.identity(ctx)
	if err != nil {
		return nil, err
	}
	if len(content) > b.cfg.Limits.MaxContentLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(content), b.cfg.Limits.MaxContentLength)
	}

	now := time.Now()
	sessions, err := b.store.ListSessions(ctx, networkID, b.expiryCutoff(now))
	if err != nil {
		return nil, storeErr(err)
	}

	result := &BroadcastResult{Recipients: []string{}, Skipped: []string{}}
	var recipients []string
	for _, sess := range sessions {
		if sess.AgentID == senderID {
			continue
		}
		unread, err := b.store.CountPendingFrom(ctx, senderID, sess.AgentID)
		if err != nil {
			return nil, storeErr(err)
		}
		if unread >= b.cfg.Limits.MaxUnreadPerSender {
			result.Skipped = append(result.Skipped, sess.AgentID)
			continue
		}
		recipients = append(recipients, sess.AgentID)
	}
	sort.Strings(recipients)
	sort.Strings(result.Skipped)

	if len(recipients) > 0 {
		if _, err := b.store.InsertBroadcast(ctx, networkID, senderID, content, recipients, now); err != nil {
			return nil, storeErr(err)
		}
		result.Recipients = recipients
	}

	if b.relay != nil {
		remote, err := b.relay.Broadcast(ctx, senderID, networkID, content)
		if err != nil {
			b.logger.Warn("peer broadcast failed", "error", err)
		} else {
			result.Remote = remote
		}
	}

	b.Heartbeat(ctx)
	b.logger.Debug("broadcast queued", "network_id", networkID, "recipients", len(result.Recipients), "skipped", len(result.Skipped))
	return result, nil
}

// InboxMessage is one claimed message as shown to the recipient.
type InboxMessage struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Broadcast bool   `json:"broadcast,omitempty"`
	SentAt    string `json:"sent_at"`
}

// InboxResult reports an inbox claim.
type InboxResult struct {
	Messages  []InboxMessage `json:"messages"`
	HasMore   bool           `json:"has_more"`
	Remaining int            `json:"remaining"`
}

func (b *Broker) claim(ctx context.Context, limit int) (*InboxResult, error) {
	agentID, networkID, err := b.identity(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msgs, err := b.store.ClaimPending(ctx, networkID, agentID, limit, now)
	if err != nil {
		return nil, storeErr(err)
	}
	remaining, err := b.store.CountPending(ctx, networkID, agentID)
	if err != nil {
		return nil, storeErr(err)
	}

	result := &InboxResult{
		Messages:  make([]InboxMessage, 0, len(msgs)),
		HasMore:   remaining > 0,
		Remaining: remaining,
	}
	for _, msg := range msgs {
		result.Messages = append(result.Messages, InboxMessage{
			ID:        msg.ID,
			From:      msg.SenderID,
			Content:   msg.Content,
			Broadcast: msg.Broadcast,
			SentAt:    msg.CreatedAt.Format(time.RFC3339),
		})
	}

	b.Heartbeat(ctx)
	return result, nil
}

// CheckInbox claims up to the interactive batch of pending messages,
// oldest first, marking them delivered. A message claimed here is never
// handed out again.
func (b *Broker) CheckInbox(ctx context.Context) (*InboxResult, error) {
	return b.claim(ctx, b.cfg.Limits.InboxBatch)
}

// DeliverBatch claims the smaller hook batch. Used by the automatic
// pre-tool delivery path so a busy inbox does not flood a single turn.
func (b *Broker) DeliverBatch(ctx context.Context) (*InboxResult, error) {
	return b.claim(ctx, b.cfg.Limits.HookBatch)
}

// WaitResult reports the outcome of a blocking wait. Inbox is set only
// when Outcome is OutcomeMessage.
type WaitResult struct {
	Outcome notify.Outcome
	Inbox   *InboxResult
}

// WaitForMessage blocks until a pending message exists, the timeout
// elapses, or the watched anchor process dies. Timeout and orphan are
// ordinary outcomes, not errors. The session keeps heartbeating during
// the wait so a long listen does not age it out.
func (b *Broker) WaitForMessage(ctx context.Context, timeout time.Duration, liveness notify.Liveness) (*WaitResult, error) {
	agentID, networkID, err := b.identity(ctx)
	if err != nil {
		return nil, err
	}

	watcher, err := notify.NewWatcher(notify.Config{
		AgentID:   agentID,
		NetworkID: networkID,
		Timeout:   timeout,
		Poll:      b.cfg.Network.PollInterval,
		Heartbeat: b.cfg.Network.HeartbeatInterval,
		Liveness:  liveness,
		Store:     b.store,
		HeartbeatFunc: func(ctx context.Context) error {
			return b.store.TouchSession(ctx, b.sessID, time.Now())
		},
		Logger: b.logger,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := watcher.Wait(ctx)
	if err != nil {
		if errors.Is(err, notify.ErrMissingAgent) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	result := &WaitResult{Outcome: outcome}
	if outcome == notify.OutcomeMessage {
		inbox, err := b.CheckInbox(ctx)
		if err != nil {
			return nil, err
		}
		result.Inbox = inbox
	}
	return result, nil
}
