// Package emby keeps an Emby account warm by authenticating and simulating
// a short playback session against the server's session API. Servers that
// prune inactive accounts see regular, plausible activity.
package emby

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "checkinbot/pkg/logx"
)

// Config mirrors the emby_keepalive task parameters.
type Config struct {
	ServerURL string
	Username  string
	Password  string
	APIKey    string
	ProxyURL  string

	DeviceName    string
	DeviceID      string
	ClientName    string
	ClientVersion string

	PlayDuration   time.Duration
	ReportInterval time.Duration
	RandomItem     bool
	VerifySSL      bool
}

// Result summarizes one keep-alive round.
type Result struct {
	UserID   string
	ItemID   string
	ItemName string
	Played   time.Duration
	Message  string
}

var (
	ErrAuthFailed = errors.New("emby: authentication failed")
	ErrBadServer  = errors.New("emby: server_url must be http(s)://host[:port]")
)

// Client talks to one Emby server.
type Client struct {
	cfg  Config
	base string
	http *http.Client
	log  logx.Logger

	rand *rand.Rand // optional; tests may pin it
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrBadServer
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if p := strings.TrimSpace(cfg.ProxyURL); p != "" {
		pu, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("emby: bad proxy_url: %w", err)
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		log:  log.With(logx.String("server", u.Host)),
	}, nil
}

// authHeader builds the client identification Emby expects alongside a token.
func (c *Client) authHeader() string {
	clean := func(v string) string {
		v = strings.NewReplacer("\r", "", "\n", "", `"`, "").Replace(v)
		return strings.TrimSpace(v)
	}
	return fmt.Sprintf(
		`MediaBrowser Client="%s", Device="%s", DeviceId="%s", Version="%s"`,
		clean(c.cfg.ClientName), clean(c.cfg.DeviceName),
		clean(c.cfg.DeviceID), clean(c.cfg.ClientVersion),
	)
}

// KeepAlive runs one full round: authenticate, pick an item, simulate
// playback with periodic progress reports. Without playable items it falls
// back to a capabilities report, which still counts as account activity.
func (c *Client) KeepAlive(ctx context.Context) (Result, error) {
	userID, token, err := c.authenticate(ctx)
	if err != nil {
		return Result{}, err
	}
	c.log.Debug("authenticated", logx.String("user_id", short(userID)))

	itemID, itemName, err := c.playableItem(ctx, userID, token)
	if err != nil {
		c.log.Warn("item listing failed", logx.Err(err))
	}
	if itemID == "" {
		if err := c.reportCapabilities(ctx, token); err != nil {
			return Result{}, fmt.Errorf("emby: capabilities report: %w", err)
		}
		return Result{
			UserID:  userID,
			Message: "no playable items; session kept alive via capabilities report",
		}, nil
	}

	played, err := c.simulatePlayback(ctx, token, itemID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		UserID:   userID,
		ItemID:   itemID,
		ItemName: itemName,
		Played:   played,
		Message:  fmt.Sprintf("played %s of %q", played.Round(time.Second), itemName),
	}, nil
}

func (c *Client) authenticate(ctx context.Context) (userID, token string, err error) {
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		var users []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		}
		if err := c.getJSON(ctx, key, "/Users", nil, &users); err != nil {
			return "", "", fmt.Errorf("%w: api key rejected: %v", ErrAuthFailed, err)
		}
		if want := strings.TrimSpace(c.cfg.Username); want != "" {
			for _, u := range users {
				if strings.EqualFold(u.Name, want) {
					return u.ID, key, nil
				}
			}
			return "", "", fmt.Errorf("%w: user %q not found", ErrAuthFailed, want)
		}
		if len(users) == 0 {
			return "", "", fmt.Errorf("%w: server has no users", ErrAuthFailed)
		}
		return users[0].ID, key, nil
	}

	if strings.TrimSpace(c.cfg.Username) == "" {
		return "", "", fmt.Errorf("%w: no credentials configured", ErrAuthFailed)
	}

	var resp struct {
		User struct {
			ID string `json:"Id"`
		} `json:"User"`
		AccessToken string `json:"AccessToken"`
	}
	body := map[string]string{"Username": c.cfg.Username, "Pw": c.cfg.Password}
	if err := c.postJSON(ctx, "", "/Users/AuthenticateByName", body, &resp); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if resp.User.ID == "" || resp.AccessToken == "" {
		return "", "", fmt.Errorf("%w: empty auth response", ErrAuthFailed)
	}
	return resp.User.ID, resp.AccessToken, nil
}

func (c *Client) playableItem(ctx context.Context, userID, token string) (id, name string, err error) {
	sortBy := "DateCreated"
	if c.cfg.RandomItem {
		sortBy = "Random"
	}
	q := url.Values{
		"IncludeItemTypes": {"Movie,Episode"},
		"Recursive":        {"true"},
		"Limit":            {"50"},
		"SortBy":           {sortBy},
		"SortOrder":        {"Descending"},
	}

	var resp struct {
		Items []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		} `json:"Items"`
	}
	if err := c.getJSON(ctx, token, "/Users/"+userID+"/Items", q, &resp); err != nil {
		return "", "", err
	}
	if len(resp.Items) == 0 {
		return "", "", nil
	}

	idx := 0
	if c.cfg.RandomItem {
		if c.rand != nil {
			idx = c.rand.Intn(len(resp.Items))
		} else {
			idx = rand.Intn(len(resp.Items))
		}
	}
	return resp.Items[idx].ID, resp.Items[idx].Name, nil
}

func (c *Client) reportCapabilities(ctx context.Context, token string) error {
	body := map[string]any{
		"PlayableMediaTypes":   []string{"Video", "Audio"},
		"SupportedCommands":    []string{},
		"SupportsMediaControl": true,
	}
	return c.postJSON(ctx, token, "/Sessions/Capabilities/Full", body, nil)
}

const ticksPerSecond = 10_000_000

func (c *Client) simulatePlayback(ctx context.Context, token, itemID string) (time.Duration, error) {
	playSession := uuid.NewString()

	start := map[string]any{
		"ItemId":        itemID,
		"PlaySessionId": playSession,
		"CanSeek":       true,
		"IsPaused":      false,
		"IsMuted":       false,
		"PositionTicks": 0,
	}
	if err := c.postJSON(ctx, token, "/Sessions/Playing", start, nil); err != nil {
		return 0, fmt.Errorf("emby: start playback: %w", err)
	}
	c.log.Debug("playback started", logx.String("item", itemID))

	duration := c.cfg.PlayDuration
	if duration <= 0 {
		duration = 2 * time.Minute
	}
	interval := c.cfg.ReportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	var elapsed time.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for elapsed < duration {
		select {
		case <-ctx.Done():
			c.stopPlayback(token, itemID, playSession, elapsed)
			return elapsed, ctx.Err()
		case <-ticker.C:
			elapsed += interval
			progress := map[string]any{
				"ItemId":        itemID,
				"PlaySessionId": playSession,
				"PositionTicks": int64(elapsed.Seconds()) * ticksPerSecond,
				"IsPaused":      false,
				"EventName":     "timeupdate",
			}
			// Individual progress reports are best-effort; the stop report
			// is what closes the session.
			if err := c.postJSON(ctx, token, "/Sessions/Playing/Progress", progress, nil); err != nil {
				c.log.Debug("progress report failed", logx.Err(err))
			}
		}
	}

	c.stopPlayback(token, itemID, playSession, duration)
	c.log.Debug("playback stopped", logx.Duration("played", duration))
	return duration, nil
}

func (c *Client) stopPlayback(token, itemID, playSession string, at time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stop := map[string]any{
		"ItemId":        itemID,
		"PlaySessionId": playSession,
		"PositionTicks": int64(at.Seconds()) * ticksPerSecond,
	}
	if err := c.postJSON(ctx, token, "/Sessions/Playing/Stopped", stop, nil); err != nil {
		c.log.Debug("stop report failed", logx.Err(err))
	}
}

func (c *Client) getJSON(ctx context.Context, token, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, token, out)
}

func (c *Client) postJSON(ctx context.Context, token, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, out)
}

func (c *Client) do(req *http.Request, token string, out any) error {
	req.Header.Set("X-Emby-Authorization", c.authHeader())
	if token != "" {
		req.Header.Set("X-Emby-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
