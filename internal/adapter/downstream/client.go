// Package downstream содержит HTTP-адаптеры внешних сервисов склада, оплаты и доставки
// и их обёртки политиками отказоустойчивости.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 4 << 10
)

// client — общий JSON-клиент с классификацией ответов по статусу.
type client struct {
	service      string
	baseURL      string
	http         *http.Client
	logger       *log.Entry
	conflictCode string
}

// ClientOption настраивает HTTP-клиент адаптера.
type ClientOption func(*client)

// WithHTTPClient подменяет http.Client (таймауты, транспорт, тестовый сервер).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger задаёт логгер адаптера.
func WithLogger(logger *log.Entry) ClientOption {
	return func(cl *client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

func newClient(service, baseURL, conflictCode string, opts ...ClientOption) *client {
	c := &client{
		service:      service,
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: defaultRequestTimeout},
		logger:       log.New().WithField("component", "downstream"),
		conflictCode: conflictCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("service", service)
	return c
}

// post отправляет JSON и декодирует ответ 2xx в out.
func (c *client) post(ctx context.Context, path string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Отмена или дедлайн вызывающей стороны не говорят о сбое сервиса.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", c.service, ctxErr)
		}
		return &domain.RetryableServiceError{Service: c.service, Message: "transport error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.NonRetryableServiceError{Service: c.service, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = c.classify(resp.StatusCode, strings.TrimSpace(string(raw)))
	c.logger.WithFields(log.Fields{
		"path":   path,
		"status": resp.StatusCode,
	}).WithError(err).Debug("downstream returned error status")
	return err
}

// classify переводит HTTP-статус в таксономию ошибок:
// 409 — бизнес-отказ (если для сервиса задан код), прочие 4xx — неретраибельные, 5xx — ретраибельные.
func (c *client) classify(status int, body string) error {
	switch {
	case status == http.StatusConflict && c.conflictCode != "":
		msg := body
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &domain.BusinessError{Code: c.conflictCode, Message: msg}
	case status >= 400 && status < 500:
		return &domain.NonRetryableServiceError{Service: c.service, StatusCode: status, Message: c.service + " service error: " + body}
	default:
		return &domain.RetryableServiceError{Service: c.service, StatusCode: status, Message: c.service + " service temporarily unavailable"}
	}
}
