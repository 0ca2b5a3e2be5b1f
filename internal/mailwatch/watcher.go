// Package mailwatch polls an IMAP mailbox and turns newly arrived
// messages into durable queue events, waking the scheduler so the
// heartbeat can decide whether the user should hear about them.
package mailwatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/bobd/bob/internal/bus"
	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/sessions"
)

// EventKind is the queue event kind for new mail.
const EventKind = "mail_received"

// summaryLimit bounds the body text carried in the event payload.
const summaryLimit = 500

// Config for the watcher.
type Config struct {
	Server   string // host:port, TLS implied on 993
	Username string
	Password string
	Mailbox  string
	ChatID   int64
	Poll     time.Duration
	// StatePath persists the UID high-water mark across restarts.
	StatePath string
}

// Watcher is the mail poller.
type Watcher struct {
	cfg     Config
	events  *events.Store
	signals *bus.Bus
	logger  *slog.Logger

	lastUID imap.UID
}

// New creates a watcher.
func New(cfg Config, eventStore *events.Store, signals *bus.Bus, logger *slog.Logger) *Watcher {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, events: eventStore, signals: signals, logger: logger}
}

// Run polls until ctx is cancelled. Connection failures are logged and
// retried at the next poll; one bad poll never kills the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	w.lastUID = w.loadState()

	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		if err := w.pollOnce(ctx); err != nil {
			w.logger.Warn("mailwatch: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce connects, finds messages newer than the high-water mark,
// and enqueues one event per message.
func (w *Watcher) pollOnce(ctx context.Context) error {
	client, err := w.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Login(w.cfg.Username, w.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if _, err := client.Select(w.cfg.Mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", w.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if w.lastUID > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: w.lastUID + 1, Stop: 0}}}
	} else {
		// First run: only unseen mail, so an old mailbox does not
		// flood the queue.
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		if uid > w.lastUID {
			uidSet.AddNum(uid)
		}
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	added := 0
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		uid, subject, from, body := w.parseMessage(msg)
		if uid > w.lastUID {
			w.lastUID = uid
		}

		_, err := w.events.Add(events.AddInput{
			ChatID: w.cfg.ChatID,
			Kind:   EventKind,
			Payload: map[string]any{
				"from":    from,
				"subject": subject,
				"body":    truncate(body, summaryLimit),
				"uid":     uint32(uid),
			},
		})
		if err != nil {
			w.logger.Warn("mailwatch: enqueue failed", "uid", uid, "error", err)
			continue
		}
		added++
	}
	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if added > 0 {
		w.saveState()
		w.logger.Info("mailwatch: new mail enqueued", "count", added)
		w.signals.Wake(bus.SourceMail, "mail_received")
	}
	return nil
}

func (w *Watcher) dial() (*imapclient.Client, error) {
	host, _, err := net.SplitHostPort(w.cfg.Server)
	if err != nil {
		host = w.cfg.Server
		w.cfg.Server = net.JoinHostPort(host, "993")
	}
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: host}}
	client, err := imapclient.DialTLS(w.cfg.Server, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.Server, err)
	}
	return client, nil
}

// parseMessage pulls the UID, envelope fields, and a plain-text body
// summary out of one fetch response.
func (w *Watcher) parseMessage(msg *imapclient.FetchMessageData) (uid imap.UID, subject, from, body string) {
	for {
		item := msg.Next()
		if item == nil {
			return
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = data.UID
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					from = data.Envelope.From[0].Addr()
				}
			}
		case imapclient.FetchItemDataBodySection:
			raw, err := io.ReadAll(data.Literal)
			if err == nil {
				body = extractTextBody(raw)
			}
		}
	}
}

// extractTextBody parses a raw RFC 822 message and returns the first
// text part, stripping HTML to plain text when that is all there is.
func extractTextBody(raw []byte) string {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	var htmlFallback string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if _, ok := part.Header.(*mail.InlineHeader); !ok {
			continue
		}
		ct, _, _ := part.Header.(*mail.InlineHeader).ContentType()
		data, rerr := io.ReadAll(io.LimitReader(part.Body, 64*1024))
		if rerr != nil {
			continue
		}
		switch ct {
		case "text/plain":
			return strings.TrimSpace(string(data))
		case "text/html":
			htmlFallback = htmlToText(string(data))
		}
	}
	return strings.TrimSpace(htmlFallback)
}

type mailState struct {
	LastUID uint32 `json:"last_uid"`
}

func (w *Watcher) loadState() imap.UID {
	if w.cfg.StatePath == "" {
		return 0
	}
	data, err := os.ReadFile(w.cfg.StatePath)
	if err != nil {
		return 0
	}
	var st mailState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0
	}
	return imap.UID(st.LastUID)
}

func (w *Watcher) saveState() {
	if w.cfg.StatePath == "" {
		return
	}
	data, err := json.Marshal(mailState{LastUID: uint32(w.lastUID)})
	if err != nil {
		return
	}
	if err := sessions.WriteFileAtomic(w.cfg.StatePath, data); err != nil {
		w.logger.Warn("mailwatch: state write failed", "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
