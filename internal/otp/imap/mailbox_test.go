package imap

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/otp"
)

const plainMessage = "From: X <info@x.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Your X confirmation code is k3j9q2ab\r\n" +
	"Date: Wed, 01 May 2024 12:00:05 +0200\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Enter this code to continue.\r\n"

const multipartMessage = "From: verify@x.com\r\n" +
	"Subject: =?utf-8?q?Confirm_your_account?=\r\n" +
	"Date: Wed, 01 May 2024 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>ignored</p>\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please enter\r\n" +
	"A1B2C3D4\r\n" +
	"--BOUNDARY--\r\n"

func TestParsePlain(t *testing.T) {
	t.Parallel()

	msg, err := Parse(strings.NewReader(plainMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{"info@x.com"}, msg.From)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC), msg.Date)
	assert.Contains(t, msg.Body, "Enter this code")

	code, ok := otp.ExtractCode(msg.Subject, msg.Body)
	require.True(t, ok)
	assert.Equal(t, "k3j9q2ab", code)
}

func TestParseMultipartPrefersPlainText(t *testing.T) {
	t.Parallel()

	msg, err := Parse(strings.NewReader(multipartMessage))
	require.NoError(t, err)
	assert.Equal(t, "Confirm your account", msg.Subject)
	assert.NotContains(t, msg.Body, "ignored")

	code, ok := otp.ExtractCode(msg.Subject, msg.Body)
	require.True(t, ok)
	assert.Equal(t, "A1B2C3D4", code)
	assert.True(t, otp.FromDomain(msg, "x.com"))
}

func TestCriteria(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC)
	c := Criteria(since, "x.com")
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), c.Since)
	assert.Equal(t, "x.com", c.Header.Get("From"))

	empty := Criteria(time.Time{}, "")
	assert.True(t, empty.Since.IsZero())
	assert.Empty(t, empty.Header.Get("From"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Host: "imap.example.com"}, nil)
	require.Error(t, err)

	m, err := New(Config{Host: "imap.example.com", Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 993, m.cfg.Port)
	assert.Equal(t, "INBOX", m.cfg.Mailbox)
	assert.Equal(t, defaultTimeout, m.cfg.Timeout)
}

// silentServer accepts connections and never sends a greeting.
func silentServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		_ = ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				_ = conn.Close()
			}()
		}
	}()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestMessagesHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	host, port := silentServer(t)
	m, err := New(Config{Host: host, Port: port, Username: "u", Password: "p", Insecure: true, Timeout: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = m.Messages(ctx, time.Now(), "x.com")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMessagesCanceledContext(t *testing.T) {
	t.Parallel()

	m, err := New(Config{Host: "127.0.0.1", Port: 1, Username: "u", Password: "p", Insecure: true}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Messages(ctx, time.Now(), "x.com")
	require.ErrorIs(t, err, context.Canceled)
}
