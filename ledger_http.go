package lottery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPLedger talks to a token ledger service over HTTP:
//
//	POST /transfers       submit a transfer (idempotent by id)
//	GET  /transfers/{id}  read its state
//
// A 4xx answer is a definite rejection; 5xx and transport errors leave the
// outcome unknown.
type HTTPLedger struct {
	endpoint string
	client   *http.Client
	logger   Logger
}

// NewHTTPLedger 创建 HTTP 账本客户端
func NewHTTPLedger(cfg *LedgerConfig, logger Logger) (*HTTPLedger, error) {
	if cfg == nil {
		cfg = DefaultLedgerConfig()
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrConfigInvalid.WithDetails(fmt.Sprintf("invalid ledger endpoint %q", cfg.Endpoint))
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}

	return &HTTPLedger{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

type transferBody struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// Transfer submits req
func (l *HTTPLedger) Transfer(ctx context.Context, req TransferRequest) error {
	if req.Amount == nil {
		return ErrTransferRejected.WithDetails("missing amount")
	}

	body, err := json.Marshal(transferBody{
		ID:        req.ID,
		Token:     string(req.Token),
		Sender:    string(req.Sender),
		Recipient: string(req.Recipient),
		Amount:    req.Amount.String(),
		Memo:      req.Memo,
	})
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}

	start := time.Now()
	status, resp, err := l.do(ctx, http.MethodPost, "/transfers", body)
	if err != nil {
		return err
	}
	l.logger.Debug("Ledger transfer %s answered %d in %v", req.ID, status, time.Since(start))

	if status >= 300 {
		return classifyLedgerStatus(status, resp).WithMetadata("transfer_id", req.ID)
	}
	return nil
}

// TransferStatus reads the ledger state of transferID
func (l *HTTPLedger) TransferStatus(ctx context.Context, transferID string) (TransferState, error) {
	status, resp, err := l.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(transferID), nil)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusNotFound:
		return "", ErrTransferNotFound.WithDetails(transferID)
	case status >= 300:
		return "", classifyLedgerStatus(status, resp)
	}

	state := TransferState(gjson.GetBytes(resp, "state").String())
	switch state {
	case TransferPending, TransferCompleted, TransferFailed:
		return state, nil
	default:
		return "", ErrLedgerUnavailable.WithDetails(fmt.Sprintf("unexpected transfer state %q", state))
	}
}

func (l *HTTPLedger) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.endpoint+path, reader)
	if err != nil {
		return 0, nil, ErrInvalidParameters.WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, nil, ErrLedgerUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRecordSize))
	if err != nil {
		return 0, nil, ErrLedgerUnavailable.WithCause(err)
	}
	return resp.StatusCode, data, nil
}

// classifyLedgerStatus maps a non-2xx status to a definite or an ambiguous error
func classifyLedgerStatus(status int, body []byte) *LotteryError {
	reason := gjson.GetBytes(body, "error").String()
	if reason == "" {
		reason = gjson.GetBytes(body, "message").String()
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	details := fmt.Sprintf("ledger answered %d: %s", status, reason)

	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return ErrTransferRejected.WithDetails(details)
	}
	return ErrLedgerUnavailable.WithDetails(details)
}
