package heartbeat

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pinger reports job liveness to an external dead-man's-switch monitor. A
// missed success ping is how operators learn a scheduled job silently died.
type Pinger struct {
	client *http.Client
	logger *zap.Logger
}

func NewPinger(logger *zap.Logger) *Pinger {
	return &Pinger{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("heartbeat"),
	}
}

// Ping is best effort. An unreachable monitor must never fail the job whose
// health it reports.
func (p *Pinger) Ping(ctx context.Context, url string) {
	if url == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Warn("invalid heartbeat url", zap.String("url", url), zap.Error(err))
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("heartbeat delivery failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logger.Warn("heartbeat rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

var Module = fx.Module("heartbeat",
	fx.Provide(NewPinger),
)
