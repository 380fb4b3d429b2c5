// Package otp retrieves one-time login codes delivered by email.
package otp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

const defaultPollInterval = 5 * time.Second

// Message is the subset of an email the resolver inspects.
type Message struct {
	From    []string
	Date    time.Time
	Subject string
	Body    string
}

// Mailbox lists candidate messages from sender received on or after since,
// newest first. Implementations must be safe for concurrent use.
type Mailbox interface {
	Messages(ctx context.Context, since time.Time, sender string) ([]Message, error)
}

// Config controls Resolver behavior.
type Config struct {
	// Sender is the domain the code email comes from, e.g. "x.com".
	Sender       string
	PollInterval time.Duration
}

// Resolver polls a Mailbox until a code arrives or the deadline passes.
type Resolver struct {
	mailbox Mailbox
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Resolver.
func New(mailbox Mailbox, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{mailbox: mailbox, cfg: cfg, logger: logger.Named("otp")}
}

// Resolve returns the newest code sent after the given time. It returns an
// error wrapping harvest.ErrOtpTimeout once deadline passes without a match.
// Calls are independent and may run concurrently.
func (r *Resolver) Resolve(ctx context.Context, after, deadline time.Time) (string, error) {
	if r == nil || r.mailbox == nil {
		return "", fmt.Errorf("%w: no mailbox configured", harvest.ErrOtpTimeout)
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Date headers carry whole seconds; the search is widened to match them
	// and pick applies the exact bound.
	since := after.Truncate(time.Second)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		msgs, err := r.mailbox.Messages(waitCtx, since, r.cfg.Sender)
		if err != nil {
			lastErr = err
			r.logger.Warn("mailbox poll failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		if code, ok := r.pick(msgs, after); ok {
			r.logger.Info("one-time code received", zap.Int("attempt", attempt))
			return code, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if lastErr != nil {
				return "", fmt.Errorf("%w after %d polls: %w", harvest.ErrOtpTimeout, attempt, lastErr)
			}
			return "", fmt.Errorf("%w after %d polls", harvest.ErrOtpTimeout, attempt)
		case <-ticker.C:
		}
	}
}

// pick returns the code of the first message sent strictly after after.
func (r *Resolver) pick(msgs []Message, after time.Time) (string, bool) {
	for _, msg := range msgs {
		if !msg.Date.IsZero() && !msg.Date.After(after) {
			continue
		}
		if !FromDomain(msg, r.cfg.Sender) {
			continue
		}
		if code, ok := ExtractCode(msg.Subject, msg.Body); ok {
			return code, true
		}
	}
	return "", false
}

// FromDomain reports whether any From address belongs to domain. An empty
// domain matches every message.
func FromDomain(msg Message, domain string) bool {
	if domain == "" {
		return true
	}
	suffix := "@" + strings.ToLower(domain)
	for _, addr := range msg.From {
		if strings.HasSuffix(strings.ToLower(strings.TrimSpace(addr)), suffix) {
			return true
		}
	}
	return false
}

var (
	phraseCode = regexp.MustCompile(`(?i)(?:confirmation|verification) code(?: is|:)?\s*([A-Za-z0-9]{6,12})`)
	bareCode   = regexp.MustCompile(`^[A-Za-z0-9]{6,12}$`)
)

// ExtractCode finds a code in the subject, then the body. A phrase such as
// "verification code is ABC123" wins; otherwise the first line made only of
// 6-12 letters and digits, containing both, is taken.
func ExtractCode(subject, body string) (string, bool) {
	for _, text := range []string{subject, body} {
		if code, ok := extract(text); ok {
			return code, true
		}
	}
	return "", false
}

func extract(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	if m := phraseCode.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if bareCode.MatchString(candidate) && hasLetterAndDigit(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			letter = true
		}
	}
	return letter && digit
}
