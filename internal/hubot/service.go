package hubot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cibot/internal/config"
	"cibot/internal/message"
	"cibot/pkg/logx"
)

const defaultTimeout = 10 * time.Second

// Service delivers messages for one resolved site. It holds no state across
// sends beyond the HTTP client and an optional rate limiter, so a Service
// built from a site clone is safe to discard after the fan-out.
type Service struct {
	site    config.Site
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type Option func(*Service)

// WithHTTPClient overrides the transport; tests point this at httptest
// servers.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithTimeout sets the per-attempt transport timeout. A timed-out call is
// normalized like any other transport error.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.client = &http.Client{Timeout: d} }
}

// WithLimiter installs a blocking token-bucket limiter on sends. Waiting
// happens in send order, so fan-out ordering is preserved.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(site config.Site, opts ...Option) *Service {
	s := &Service{
		site:   site,
		client: &http.Client{Timeout: defaultTimeout},
		log:    logx.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Site returns the site this service delivers to.
func (s *Service) Site() config.Site { return s.site }

// EffectiveRoom is the room the message is actually posted to: the prefix
// applies only to folder-derived rooms, never to explicitly chosen ones.
func (s *Service) EffectiveRoom() string {
	if s.site.UseFolderName && strings.TrimSpace(s.site.RoomPrefix) != "" {
		return strings.TrimSpace(s.site.RoomPrefix) + strings.TrimSpace(s.site.Room)
	}
	return strings.TrimSpace(s.site.Room)
}

// SendMessage posts m to {url}/hubot/notify/{room} and normalizes the
// outcome. It never returns a Go error; every failure mode lands in the
// ResponseData.
func (s *Service) SendMessage(ctx context.Context, m *message.Message) *ResponseData {
	body, err := json.Marshal(m)
	if err != nil {
		return ErrorResponse(err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return ErrorResponse(err)
		}
	}

	// Rooms are a single path segment; escape so names with spaces or
	// slashes cannot reshape the path.
	endpoint := SanitizeURL(s.site.URL) + "hubot/notify/" + url.PathEscape(s.EffectiveRoom())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ErrorResponse(err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.log.Debug("posting notification", logx.String("url", endpoint), logx.String("room", s.EffectiveRoom()))

	resp, err := s.client.Do(req)
	if err != nil {
		return ErrorResponse(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResponse(err)
	}

	out := &ResponseData{Code: resp.StatusCode, Message: resp.Status}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Successful = true
		out.Data = data
	} else {
		out.Error = string(data)
	}
	return out
}

// SanitizeURL guarantees a trailing slash so path joining stays trivial.
func SanitizeURL(base string) string {
	if !strings.HasSuffix(base, "/") {
		return base + "/"
	}
	return base
}
