package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/ports/adapter"
)

var (
	_ adapter.AchievementChecker = (*HTTPAchievementChecker)(nil)
	_ adapter.AchievementChecker = (*NoopAchievementChecker)(nil)
)

// HTTPAchievementChecker posts achievement triggers to the achievements
// service. The key travels as the Idempotency-Key header.
type HTTPAchievementChecker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAchievementChecker(baseURL string, client *http.Client) *HTTPAchievementChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAchievementChecker{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type achievementCheckRequest struct {
	UserID     string            `json:"user_id"`
	Trigger    string            `json:"trigger"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (c *HTTPAchievementChecker) CheckAchievements(ctx context.Context, key, userID, trigger string, attrs map[string]string) error {
	body, err := json.Marshal(achievementCheckRequest{UserID: userID, Trigger: trigger, Attributes: attrs})
	if err != nil {
		return fmt.Errorf("encode achievement check: %w", domain.ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/achievements/check", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build achievement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("achievement check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		// 409: the key was already processed.
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("achievement check: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("achievement check: status %d: %w", resp.StatusCode, domain.ErrInvalidArgument)
	}
}

// NoopAchievementChecker is used when no achievements service is configured.
type NoopAchievementChecker struct {
	log *zerolog.Logger
}

func NewNoopAchievementChecker(logger *zerolog.Logger) *NoopAchievementChecker {
	l := logger.With().Str("component", "noop_achievements").Logger()
	return &NoopAchievementChecker{log: &l}
}

func (c *NoopAchievementChecker) CheckAchievements(_ context.Context, key, userID, trigger string, _ map[string]string) error {
	c.log.Debug().Str("key", key).Str("user_id", userID).Str("trigger", trigger).Msg("achievement check skipped")
	return nil
}
