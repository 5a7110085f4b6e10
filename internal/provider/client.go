package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/rankwatch/internal/metrics"
	"github.com/hitoshi/rankwatch/internal/model"
)

// defaultMaxBodySize はレスポンスボディの既定上限（1MB）。
const defaultMaxBodySize int64 = 1 << 20

// ErrInvalidResponse は構造的に不正なレスポンスを表す。リトライしない。
var ErrInvalidResponse = errors.New("invalid provider response")

// StatusError はプロバイダが200以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("順位取得プロバイダがステータス %d を返しました", e.StatusCode)
}

// IsTransient は一時的な失敗でリトライ対象になるかを判定する。
// タイムアウト、ネットワークエラー、429、5xxが対象。
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// EndpointValidator はエンドポイントURLの事前検証インターフェース。
type EndpointValidator interface {
	ValidateURL(rawURL string) error
}

// LookupRequest は1キーワード分の順位問い合わせ。
type LookupRequest struct {
	Term        string
	Domain      string
	CountryCode string
	Device      model.Device
}

// LookupResult はプロバイダが返した順位。Positionがnilの場合は圏外。
type LookupResult struct {
	Position     *int
	URL          string
	Title        string
	SearchVolume *int
	Difficulty   *int
}

type lookupBody struct {
	Keyword string `json:"keyword"`
	Domain  string `json:"domain"`
	Country string `json:"country"`
	Device  string `json:"device"`
}

type lookupResponse struct {
	Position     *int   `json:"position"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	SearchVolume *int   `json:"search_volume"`
	Difficulty   *int   `json:"difficulty"`
}

// pacer は連携ごとの送信ペース制御。分単位上限が変わった場合は作り直す。
type pacer struct {
	minuteLimit int
	limiter     *rate.Limiter
}

// Client は順位取得プロバイダのHTTPクライアント。
// エンドポイントと認証情報は連携ごとに異なるため、呼び出しごとに受け取る。
type Client struct {
	httpClient  *http.Client
	validator   EndpointValidator
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	maxBodySize int64

	mu     sync.Mutex
	pacers map[string]*pacer
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientには本番ではSSRF防止付きのクライアントを渡す。
func NewClient(
	httpClient *http.Client,
	validator EndpointValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxBodySize int64,
) *Client {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Client{
		httpClient:  httpClient,
		validator:   validator,
		metrics:     collector,
		logger:      logger,
		maxBodySize: maxBodySize,
		pacers:      make(map[string]*pacer),
	}
}

// Lookup はプロバイダに1回だけ問い合わせる。リトライは呼び出し元が行う。
func (c *Client) Lookup(ctx context.Context, si *model.ServiceIntegration, lr LookupRequest) (*LookupResult, error) {
	if err := c.validator.ValidateURL(si.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: エンドポイントが不正です: %v", ErrInvalidResponse, err)
	}

	if err := c.pace(ctx, si); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(lookupBody{
		Keyword: lr.Term,
		Domain:  lr.Domain,
		Country: lr.CountryCode,
		Device:  string(lr.Device),
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, si.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+si.APIKey)
	req.Header.Set("User-Agent", "Rankwatch/1.0 Rank Tracker")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.RecordProviderLatency(time.Since(start))
	}
	if err != nil {
		c.logger.Warn("順位取得プロバイダの呼び出しに失敗しました",
			slog.String("integration_id", si.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordProviderStatus(resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBodySize))
		c.logger.Warn("順位取得プロバイダがエラーステータスを返しました",
			slog.String("integration_id", si.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, fmt.Errorf("%w: レスポンスが上限 %d バイトを超えています", ErrInvalidResponse, c.maxBodySize)
	}

	var parsed lookupResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Error("順位取得プロバイダのレスポンスのパースに失敗しました",
			slog.String("integration_id", si.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if parsed.Position != nil && *parsed.Position < 1 {
		return nil, fmt.Errorf("%w: position は1以上である必要があります: %d", ErrInvalidResponse, *parsed.Position)
	}

	result := &LookupResult{
		Position:     parsed.Position,
		SearchVolume: parsed.SearchVolume,
		Difficulty:   parsed.Difficulty,
	}
	// 圏外の場合はURLとタイトルを持たない
	if parsed.Position != nil {
		result.URL = parsed.URL
		result.Title = parsed.Title
	}
	return result, nil
}

// pace は連携の分単位上限に合わせて送信間隔を平準化する。
// 上限の超過自体はGateが防ぐため、ここでは短時間への集中だけを避ける。
func (c *Client) pace(ctx context.Context, si *model.ServiceIntegration) error {
	if si.MinuteLimit <= 0 {
		return nil
	}

	c.mu.Lock()
	p, ok := c.pacers[si.ID]
	if !ok || p.minuteLimit != si.MinuteLimit {
		burst := si.MinuteLimit / 6
		if burst < 1 {
			burst = 1
		}
		p = &pacer{
			minuteLimit: si.MinuteLimit,
			limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(si.MinuteLimit)), burst),
		}
		c.pacers[si.ID] = p
	}
	c.mu.Unlock()

	return p.limiter.Wait(ctx)
}
