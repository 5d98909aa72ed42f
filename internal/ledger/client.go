package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRateLimited возвращается, когда внешний реестр просит повторить запрос позже.
var ErrRateLimited = errors.New("ledger rate limited")

// RateLimitError содержит интервал из заголовка Retry-After.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ledger rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Client инкапсулирует HTTP-взаимодействие с внешним реестром переводов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type transferDTO struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type batchDTO struct {
	ID        string        `json:"id"`
	Token     string        `json:"token"`
	Transfers []transferDTO `json:"transfers"`
}

type receiptDTO struct {
	ID string `json:"id"`
}

// NewClient создаёт HTTP-клиент для обращения к реестру по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Transfer отправляет пакет проводок одним запросом.
func (c *Client) Transfer(ctx context.Context, batch Batch) (Receipt, error) {
	if c == nil || c.baseURL == "" {
		return Receipt{}, fmt.Errorf("ledger client not configured")
	}
	if len(batch.Transfers) == 0 {
		return Receipt{}, ErrEmptyBatch
	}

	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}

	body := batchDTO{
		ID:        batch.ID.String(),
		Token:     batch.Token,
		Transfers: make([]transferDTO, 0, len(batch.Transfers)),
	}
	for _, t := range batch.Transfers {
		body.Transfers = append(body.Transfers, transferDTO{
			From:   string(t.From),
			To:     string(t.To),
			Amount: t.Amount.Dec(),
		})
	}

	resp, err := c.post(ctx, c.baseURL+"/api/transfers", body)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return Receipt{}, ErrDuplicateBatch
	}
	if err := checkStatus(resp); err != nil {
		return Receipt{}, err
	}

	var result receiptDTO
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Receipt{}, fmt.Errorf("decode response: %w", err)
	}

	id, err := uuid.Parse(result.ID)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse receipt id: %w", err)
	}

	return Receipt{
		ID:        id,
		Token:     batch.Token,
		Transfers: append([]Transfer(nil), batch.Transfers...),
	}, nil
}

// Reverse просит реестр отменить ранее выполненный пакет.
func (c *Client) Reverse(ctx context.Context, receipt Receipt) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("ledger client not configured")
	}

	url := fmt.Sprintf("%s/api/transfers/%s/reverse", c.baseURL, receipt.ID)
	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrUnknownReceipt
	case http.StatusConflict:
		return ErrAlreadyReversed
	}
	return checkStatus(resp)
}

func (c *Client) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
