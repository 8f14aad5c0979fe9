package http

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthConfig applies credentials to an outgoing request.
type AuthConfig interface {
	Apply(req *http.Request)
}

// AuthFunc adapts a plain function to AuthConfig.
type AuthFunc func(req *http.Request)

func (f AuthFunc) Apply(req *http.Request) { f(req) }

var noAuth = AuthFunc(func(*http.Request) {})

func setHeader(name, prefix, value string) AuthConfig {
	if value == "" {
		return noAuth
	}
	return AuthFunc(func(req *http.Request) { req.Header.Set(name, prefix+value) })
}

// AuthSettings is the configured form of an AuthConfig.
// Type is one of none, basic, bearer or api_key.
type AuthSettings struct {
	Type     string `mapstructure:"type"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Key      string `mapstructure:"key"`
	Header   string `mapstructure:"header"`
}

// Build returns the AuthConfig described by s. Empty credentials send nothing.
func (s AuthSettings) Build() (AuthConfig, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "", "none":
		return noAuth, nil
	case "basic":
		if s.Username == "" && s.Password == "" {
			return noAuth, nil
		}
		user, pass := s.Username, s.Password
		return AuthFunc(func(req *http.Request) { req.SetBasicAuth(user, pass) }), nil
	case "bearer":
		return setHeader("Authorization", "Bearer ", s.Token), nil
	case "api_key", "apikey":
		header := s.Header
		if header == "" {
			header = "X-API-Key"
		}
		return setHeader(header, "", s.Key), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", s.Type)
	}
}
