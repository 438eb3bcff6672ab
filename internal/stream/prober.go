// Package stream はATCストリームの到達性を確認する。
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/security"
)

// cacheTTL は確認結果を再利用する期間。
const cacheTTL = 60 * time.Second

// ErrUnknownAirport はカタログに存在しない空港名が指定されたことを表す。
var ErrUnknownAirport = errors.New("unknown airport")

// Status はストリームの確認結果。
type Status struct {
	Airport     string    `json:"airport"`
	Online      bool      `json:"online"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	Error       string    `json:"error,omitempty"`
}

// CatalogSource は現在のカタログを返す。config.CatalogWatcherが実装する。
type CatalogSource interface {
	Current() *config.Catalog
}

// Metrics は確認結果のメトリクス記録に必要なインターフェース。
type Metrics interface {
	RecordStreamProbe(result string)
}

// Prober はカタログのストリームURLにGETを送り、応答ヘッダのみで到達性を判定する。
// ストリーム本体は終わりのないレスポンスなので読み込まない。
type Prober struct {
	catalog CatalogSource
	check   func(rawURL string) error
	client  *http.Client
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]Status
}

// NewProber はProberを生成する。HTTPクライアントはguardが生成したものを使う。
func NewProber(catalog CatalogSource, guard security.URLGuard, timeout time.Duration, metrics Metrics, logger *slog.Logger) *Prober {
	return &Prober{
		catalog: catalog,
		check:   guard.Check,
		client:  guard.Client(timeout),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]Status),
	}
}

// Probe は空港のストリーム状態を返す。60秒以内の結果があればそれを返す。
// 到達できない場合もエラーではなくOnline=falseのStatusを返す。
func (p *Prober) Probe(ctx context.Context, airport string) (Status, error) {
	streamURL, ok := p.catalog.Current().StreamURL(airport)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownAirport, airport)
	}

	if st, ok := p.cached(airport, streamURL); ok {
		p.metrics.RecordStreamProbe("cached")
		return st, nil
	}

	st := p.probe(ctx, airport, streamURL)

	p.mu.Lock()
	p.cache[cacheKey(airport, streamURL)] = st
	p.mu.Unlock()

	return st, nil
}

func (p *Prober) probe(ctx context.Context, airport, streamURL string) Status {
	st := Status{Airport: airport, CheckedAt: p.now()}

	if err := p.check(streamURL); err != nil {
		p.logger.Warn("stream url blocked",
			slog.String("airport", airport),
			slog.String("error", err.Error()),
		)
		st.Error = "blocked"
		p.metrics.RecordStreamProbe("blocked")
		return st
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		st.Error = "invalid_url"
		p.metrics.RecordStreamProbe("offline")
		return st
	}
	req.Header.Set("User-Agent", "chillatc/1.0 (+stream-status)")
	req.Header.Set("Icy-MetaData", "0")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Info("stream unreachable",
			slog.String("airport", airport),
			slog.String("error", err.Error()),
		)
		st.Error = "unreachable"
		p.metrics.RecordStreamProbe("offline")
		return st
	}
	resp.Body.Close()

	st.StatusCode = resp.StatusCode
	st.ContentType = resp.Header.Get("Content-Type")
	st.Online = resp.StatusCode >= 200 && resp.StatusCode < 300
	if st.Online {
		p.metrics.RecordStreamProbe("online")
	} else {
		st.Error = fmt.Sprintf("status %d", resp.StatusCode)
		p.metrics.RecordStreamProbe("offline")
	}
	return st
}

func (p *Prober) cached(airport, streamURL string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.cache[cacheKey(airport, streamURL)]
	if !ok || p.now().Sub(st.CheckedAt) >= cacheTTL {
		return Status{}, false
	}
	return st, true
}

// カタログの差し替えでURLが変わった場合はキャッシュを使わない
func cacheKey(airport, streamURL string) string {
	return airport + "\x00" + streamURL
}
