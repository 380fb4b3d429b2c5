// Package imap reads one-time code emails from an IMAP inbox.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset" // decode non-UTF-8 bodies
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/otp"
)

const (
	defaultMailbox = "INBOX"
	defaultTimeout = 30 * time.Second
)

// Config holds the IMAP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	// Timeout bounds the dial, the greeting and every command.
	Timeout time.Duration
	// Insecure dials without TLS; only for local test servers.
	Insecure bool
}

// Mailbox implements otp.Mailbox. Every poll opens a fresh read-only
// session, so concurrent polls never share a connection.
type Mailbox struct {
	cfg    Config
	logger *zap.Logger
}

var _ otp.Mailbox = (*Mailbox)(nil)

// New validates cfg and builds a Mailbox.
func New(cfg Config, logger *zap.Logger) (*Mailbox, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("email.host is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("email.username and email.password are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{cfg: cfg, logger: logger.Named("imap")}, nil
}

// Messages searches for messages from sender since the given day and returns
// them newest first.
func (m *Mailbox) Messages(ctx context.Context, since time.Time, sender string) ([]otp.Message, error) {
	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.Timeout = m.cfg.Timeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()
	defer func() { _ = c.Logout() }()

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(m.cfg.Mailbox, true); err != nil {
		return nil, fmt.Errorf("select %s: %w", m.cfg.Mailbox, err)
	}

	ids, err := c.Search(Criteria(since, sender))
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	ch := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, ch)
	}()

	bySeq := make(map[uint32]otp.Message, len(ids))
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		parsed, err := Parse(body)
		if err != nil {
			m.logger.Debug("skipping unparsable message", zap.Uint32("seq", msg.SeqNum), zap.Error(err))
			continue
		}
		bySeq[msg.SeqNum] = parsed
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]otp.Message, 0, len(bySeq))
	for _, id := range ids {
		if msg, ok := bySeq[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// dial connects within Timeout, shortened to the context deadline.
func (m *Mailbox) dial(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := m.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		timeout = min(timeout, left)
	}
	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var (
		c   *client.Client
		err error
	)
	if m.cfg.Insecure {
		c, err = client.DialWithDialer(dialer, addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12})
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	return c, nil
}

// Criteria builds the SINCE/FROM search. IMAP SINCE has day granularity;
// callers filter the exact time on the Date header.
func Criteria(since time.Time, sender string) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since.UTC().Truncate(24 * time.Hour)
	}
	if sender != "" {
		criteria.Header.Add("From", sender)
	}
	return criteria
}

// Parse reads an RFC 822 message into an otp.Message, keeping the first
// text/plain part as the body.
func Parse(r io.Reader) (otp.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return otp.Message{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close() //nolint:errcheck // read-only

	var msg otp.Message
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date.UTC()
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil {
		for _, addr := range from {
			msg.From = append(msg.From, addr.Address)
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		if contentType != "" && !strings.EqualFold(contentType, "text/plain") {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read body: %w", err)
		}
		msg.Body = string(data)
		break
	}
	return msg, nil
}
