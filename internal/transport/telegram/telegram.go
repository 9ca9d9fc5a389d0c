// Package telegram binds the transport contract to the Telegram Bot API via
// telebot. Each account owns one long-polling bot session; inbound messages
// are routed to per-peer subscribers and kept in a small ring so tasks can
// look back at recent traffic.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

const ringCap = 100

type Config struct {
	PollTimeout time.Duration
}

// Account is one Telegram identity (token) the engine can converse through.
type Account struct {
	Name  string
	Token string
}

// Dialer lazily opens one session per configured account.
type Dialer struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	accounts map[string]Account
	sessions map[string]*session
	closed   bool
}

func NewDialer(cfg Config, accounts []Account, log logx.Logger) (*Dialer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	byName := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, errors.New("telegram: account name is empty")
		}
		if strings.TrimSpace(a.Token) == "" {
			return nil, fmt.Errorf("telegram: account %q has no token", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("telegram: duplicate account %q", name)
		}
		byName[name] = a
	}
	return &Dialer{
		cfg:      cfg,
		log:      log,
		accounts: byName,
		sessions: map[string]*session{},
	}, nil
}

func (d *Dialer) Session(account string) (kit.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, kit.ErrSessionClosed
	}
	if s, ok := d.sessions[account]; ok {
		return s, nil
	}
	acct, ok := d.accounts[account]
	if !ok {
		return nil, fmt.Errorf("telegram: unknown account %q", account)
	}

	timeout := d.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  acct.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: account %q: %w", account, err)
	}

	s := &session{
		name:  account,
		bot:   b,
		log:   d.log.With(logx.String("account", account)),
		peers: map[string]int64{},
		subs:  map[string]map[uint64]chan kit.Inbound{},
		ring:  map[int64][]ringEntry{},
	}
	s.registerHandlers()
	go b.Start()
	s.log.Info("session started")

	d.sessions[account] = s
	return s, nil
}

func (d *Dialer) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = map[string]*session{}
	d.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	_ = ctx
	return nil
}

// ---- session ----

type ringEntry struct {
	inbound kit.Inbound
	msg     *tele.Message
}

type session struct {
	name string
	bot  *tele.Bot
	log  logx.Logger

	mu      sync.Mutex
	peers   map[string]int64 // normalized peer handle -> resolved chat ID
	subs    map[string]map[uint64]chan kit.Inbound
	subSeq  uint64
	ring    map[int64][]ringEntry
	stopped bool
}

func (s *session) Account() string { return s.name }

func (s *session) registerHandlers() {
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		s.route(c.Message())
		return nil
	})
	s.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		s.route(c.Message())
		return nil
	})
}

func (s *session) route(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	in := inboundFromMessage(m)

	s.mu.Lock()
	// Ring buffer of recent originals; Recent() and DownloadPhoto() read it.
	entries := append(s.ring[m.Chat.ID], ringEntry{inbound: in, msg: m})
	if len(entries) > ringCap {
		entries = entries[len(entries)-ringCap:]
	}
	s.ring[m.Chat.ID] = entries

	// Remember the chat id for every handle the chat is known by, so peers
	// configured as "@name" match messages arriving from the numeric chat.
	for _, key := range chatKeys(m.Chat) {
		s.peers[key] = m.Chat.ID
	}

	var targets []chan kit.Inbound
	for _, key := range chatKeys(m.Chat) {
		for _, ch := range s.subs[key] {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- in:
		default:
			// Subscriber slower than the poll loop; drop rather than block it.
		}
	}
}

func inboundFromMessage(m *tele.Message) kit.Inbound {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	in := kit.Inbound{
		ID:    m.ID,
		Peer:  kit.Peer(strconv.FormatInt(m.Chat.ID, 10)),
		Text:  text,
		Photo: m.Photo != nil,
		At:    m.Time(),
	}
	if m.ReplyMarkup != nil {
		for _, row := range m.ReplyMarkup.InlineKeyboard {
			for _, btn := range row {
				if btn.Text != "" {
					in.Buttons = append(in.Buttons, btn.Text)
				}
			}
		}
		for _, row := range m.ReplyMarkup.ReplyKeyboard {
			for _, btn := range row {
				if btn.Text != "" {
					in.Buttons = append(in.Buttons, btn.Text)
				}
			}
		}
	}
	return in
}

func normalizePeer(p kit.Peer) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(string(p)), "@"))
}

func chatKeys(c *tele.Chat) []string {
	keys := []string{strconv.FormatInt(c.ID, 10)}
	if c.Username != "" {
		keys = append(keys, strings.ToLower(c.Username))
	}
	return keys
}

func (s *session) Subscribe(peer kit.Peer, buffer int) (<-chan kit.Inbound, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	key := normalizePeer(peer)
	ch := make(chan kit.Inbound, buffer)

	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[key] == nil {
		s.subs[key] = map[uint64]chan kit.Inbound{}
	}
	s.subs[key][id] = ch
	s.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], id)
			s.mu.Unlock()
		})
	}
	return ch, unsub
}

func (s *session) Send(ctx context.Context, peer kit.Peer, text string) error {
	to, err := s.recipient(ctx, peer)
	if err != nil {
		return err
	}
	if _, err := s.bot.Send(to, text); err != nil {
		return fmt.Errorf("telegram: send to %s: %w", peer, err)
	}
	return nil
}

func (s *session) Reply(ctx context.Context, peer kit.Peer, inReplyTo int, text string) error {
	to, err := s.recipient(ctx, peer)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{}
	if inReplyTo != 0 {
		opts.ReplyTo = &tele.Message{ID: inReplyTo, Chat: &tele.Chat{ID: to.chatID}}
	}
	if _, err := s.bot.Send(to, text, opts); err != nil {
		return fmt.Errorf("telegram: reply to %s: %w", peer, err)
	}
	return nil
}

func (s *session) DownloadPhoto(ctx context.Context, msg kit.Inbound) ([]byte, error) {
	chatID, err := strconv.ParseInt(string(msg.Peer), 10, 64)
	if err != nil {
		if id, ok := s.cachedPeer(msg.Peer); ok {
			chatID = id
		} else {
			return nil, kit.ErrUnknownPeer
		}
	}

	s.mu.Lock()
	var orig *tele.Message
	for _, e := range s.ring[chatID] {
		if e.inbound.ID == msg.ID {
			orig = e.msg
			break
		}
	}
	s.mu.Unlock()

	if orig == nil || orig.Photo == nil {
		return nil, errors.New("telegram: message has no downloadable photo")
	}

	rc, err := s.bot.File(&orig.Photo.File)
	if err != nil {
		return nil, fmt.Errorf("telegram: download photo: %w", err)
	}
	defer rc.Close()
	_ = ctx
	return io.ReadAll(rc)
}

func (s *session) Recent(peer kit.Peer, window time.Duration, limit int) []kit.Inbound {
	chatID, ok := s.cachedPeer(peer)
	if !ok {
		if id, err := strconv.ParseInt(normalizePeer(peer), 10, 64); err == nil {
			chatID = id
		} else {
			return nil
		}
	}
	cutoff := time.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ring[chatID]
	out := make([]kit.Inbound, 0, len(entries))
	for _, e := range entries {
		if window > 0 && e.inbound.At.Before(cutoff) {
			continue
		}
		out = append(out, e.inbound)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *session) cachedPeer(peer kit.Peer) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.peers[normalizePeer(peer)]
	return id, ok
}

type chatRecipient struct{ chatID int64 }

func (r chatRecipient) Recipient() string { return strconv.FormatInt(r.chatID, 10) }

// recipient resolves a peer handle to a chat. Usernames hit the API once and
// are cached for the session's lifetime.
func (s *session) recipient(ctx context.Context, peer kit.Peer) (chatRecipient, error) {
	if err := ctx.Err(); err != nil {
		return chatRecipient{}, err
	}
	key := normalizePeer(peer)
	if key == "" {
		return chatRecipient{}, kit.ErrUnknownPeer
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return chatRecipient{chatID: id}, nil
	}
	if id, ok := s.cachedPeer(peer); ok {
		return chatRecipient{chatID: id}, nil
	}

	chat, err := s.bot.ChatByUsername("@" + key)
	if err != nil {
		return chatRecipient{}, fmt.Errorf("telegram: resolve %s: %w", peer, err)
	}
	s.mu.Lock()
	s.peers[key] = chat.ID
	s.mu.Unlock()
	return chatRecipient{chatID: chat.ID}, nil
}

func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.bot.Stop()
	s.log.Info("session stopped")
}
