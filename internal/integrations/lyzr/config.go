package lyzr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// LoadConfig reads the agent credential and identifiers stored under
// <prefix>/lyzr/ in Parameter Store.
func LoadConfig(ctx context.Context, params ParamGetter, prefix, url string) (Config, error) {
	if params == nil {
		return Config{}, errors.New("lyzr: param getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Config{}, errors.New("lyzr: parameter prefix must not be empty")
	}

	tokenName := prefix + "/lyzr/token"
	agentName := prefix + "/lyzr/agent_id"
	sessionName := prefix + "/lyzr/session_id"
	userName := prefix + "/lyzr/user_id"

	vals, err := params.GetParameters(ctx, tokenName, agentName, sessionName, userName)
	if err != nil {
		return Config{}, fmt.Errorf("lyzr: load config: %w", err)
	}

	var tp tokenPayload
	if err := json.Unmarshal([]byte(vals[tokenName]), &tp); err != nil {
		return Config{}, fmt.Errorf("lyzr: unmarshal token parameter as JSON: %w", err)
	}

	cfg := Config{
		URL:       strings.TrimSpace(url),
		APIKey:    tp.Token,
		AgentID:   vals[agentName],
		SessionID: vals[sessionName],
		UserID:    vals[userName],
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
