package karma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 响应体大小上限，信誉分响应不该超过这个数
const maxResponseBytes = 4 << 10

// Upstream 上游信誉服务。
// 返回的分数应落在 [0,1]；错误由 [Classify] 分型后决定是否重试。
type Upstream interface {
	Fetch(ctx context.Context, agentID string) (float64, error)
}

// HTTPUpstream 通过 HTTP JSON API 拉取信誉分。
// 约定端点为 GET {base}/agents/{id}/karma，响应体形如
// {"agent_id":"a-1","karma":0.87}。
type HTTPUpstream struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPUpstream 创建 HTTP 上游客户端。
// timeout 是单次请求的硬超时，重试循环每次尝试各自计时。
func NewHTTPUpstream(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPUpstream {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUpstream{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "karma_upstream")),
	}
}

type scoreResponse struct {
	AgentID string  `json:"agent_id"`
	Karma   float64 `json:"karma"`
}

// Fetch 实现 Upstream。
func (u *HTTPUpstream) Fetch(ctx context.Context, agentID string) (float64, error) {
	endpoint := u.base + "/agents/" + url.PathEscape(agentID) + "/karma"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build karma request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("karma request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 读掉响应体让连接可复用
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return 0, &StatusError{Code: resp.StatusCode}
	}

	var sr scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decode karma response: %w", err)
	}

	score := sr.Karma
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("upstream returned non-finite karma %v", score)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	u.logger.Debug("karma fetched",
		zap.String("agent_id", agentID),
		zap.Float64("score", score),
	)
	return score, nil
}
