package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnreachable 網路限制條件不滿足
var ErrUnreachable = errors.New("network unreachable")

// NetworkReachable 以 HEAD 請求確認 url 可連線
// 任何 HTTP 回應都算可連線，只有連線層錯誤才算不滿足
func NetworkReachable(url string, client *http.Client, timeout time.Duration) Constraint {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("reachability request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		_ = resp.Body.Close()
		return nil
	}
}
