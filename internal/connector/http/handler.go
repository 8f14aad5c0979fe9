package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
)

// Settings configures an HTTP source.
type Settings struct {
	BaseURL string `mapstructure:"base_url"`
	// Paths maps a collection label to its endpoint path; default /<collection>.
	Paths      map[string]string `mapstructure:"paths"`
	ResultsKey string            `mapstructure:"results_key"`
	TotalKey   string            `mapstructure:"total_key"`
	OffsetKey  string            `mapstructure:"offset_param"`
	LimitKey   string            `mapstructure:"limit_param"`
	// PageSize of zero disables paging.
	PageSize   int               `mapstructure:"page_size"`
	MaxPages   int               `mapstructure:"max_pages"`
	RateLimit  float64           `mapstructure:"rate_limit"`
	RateBurst  int               `mapstructure:"rate_burst"`
	MaxRetries int               `mapstructure:"max_retries"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Headers    map[string]string `mapstructure:"headers"`
	Auth       AuthSettings      `mapstructure:"auth"`
}

// ParseSettings decodes and validates source settings.
func ParseSettings(raw map[string]any) (*Settings, error) {
	s := &Settings{PageSize: 100, MaxPages: 10000}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           s,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, collection.InvalidArgument(fmt.Errorf("decode http settings: %w", err))
	}
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		return nil, collection.InvalidArgument(fmt.Errorf("base_url must be an http(s) URL, got %q", s.BaseURL))
	}
	for label := range s.Paths {
		if _, err := collection.Parse(label); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PathFor returns the endpoint path of c.
func (s *Settings) PathFor(c collection.Collection) string {
	for label, p := range s.Paths {
		if strings.EqualFold(strings.TrimSpace(label), c.String()) {
			return p
		}
	}
	return "/" + c.StageRef()
}

func (s *Settings) paginator(c collection.Collection) *OffsetPaginator {
	p := NewOffsetPaginator(s.PathFor(c), s.PageSize)
	if s.OffsetKey != "" {
		p.OffsetKey = s.OffsetKey
	}
	if s.LimitKey != "" {
		p.LimitKey = s.LimitKey
	}
	if s.TotalKey != "" {
		p.TotalKey = s.TotalKey
	}
	p.ResultsKey = s.ResultsKey
	return p
}

// Handler reads collections from a REST API.
type Handler struct {
	src      config.Source
	env      handler.Env
	settings *Settings
	client   *Client
}

// NewHandler builds an HTTP handler from the source settings.
func NewHandler(src config.Source, env handler.Env) (handler.Handler, error) {
	settings, err := ParseSettings(src.Settings)
	if err != nil {
		return nil, err
	}
	return newHandler(src, env, settings, nil)
}

func newHandler(src config.Source, env handler.Env, settings *Settings, cfg *ClientConfig) (*Handler, error) {
	auth, err := settings.Auth.Build()
	if err != nil {
		return nil, collection.InvalidArgument(err)
	}
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	cfg.BaseURL = settings.BaseURL
	cfg.Auth = auth
	cfg.Timeout = settings.Timeout
	cfg.MaxRetries = settings.MaxRetries
	cfg.RateLimit = settings.RateLimit
	cfg.RateBurst = settings.RateBurst
	cfg.Headers = settings.Headers
	return &Handler{src: src, env: env, settings: settings, client: NewClient(cfg)}, nil
}

func (h *Handler) SourceType() collection.SourceType { return collection.SourceHTTP }

func (h *Handler) Read(ctx context.Context, cs []collection.Collection) (map[collection.Collection]*handler.Result, error) {
	out := make(map[collection.Collection]*handler.Result, len(cs))
	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := h.load(ctx, c)
		// Bad credentials will fail every other collection the same way.
		var statusErr *StatusError
		if !res.OK() && errors.As(res.Err, &statusErr) && statusErr.IsAuthError() {
			return nil, fmt.Errorf("http source %s: %w", h.src.Name, res.Err)
		}
		out[c] = res
	}
	return out, nil
}

func (h *Handler) load(ctx context.Context, c collection.Collection) *handler.Result {
	pager := h.settings.paginator(c)
	var records []map[string]any
	for page := 0; ; page++ {
		req := pager.Request()
		if req == nil {
			break
		}
		if h.settings.MaxPages > 0 && page >= h.settings.MaxPages {
			return handler.Failed(c, fmt.Errorf("%s: more than %d pages", pager.Path, h.settings.MaxPages))
		}
		resp, err := h.client.Do(ctx, req)
		if err != nil {
			return handler.Failed(c, err)
		}
		batch, err := pager.Consume(resp)
		if err != nil {
			return handler.Failed(c, fmt.Errorf("%s: %w", pager.Path, err))
		}
		records = append(records, batch...)
	}

	location := strings.TrimSuffix(h.settings.BaseURL, "/") + pager.Path
	n, err := h.env.Stage(ctx, h.src, collection.SourceHTTP, c, location, records)
	if err != nil {
		return handler.Failed(c, err)
	}
	return handler.Loaded(c, n)
}

func (h *Handler) Close() error {
	h.client.http.CloseIdleConnections()
	return nil
}
