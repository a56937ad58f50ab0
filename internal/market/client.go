package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrRateLimited 市场端限频信号（HTTP 403），调用方据此通知节流器
var ErrRateLimited = errors.New("marketplace rate limited")

// IsRateLimited 判断错误是否为限频信号
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Provider 市场数据提供方的调用契约
type Provider interface {
	FetchActiveListings(ctx context.Context, productExternalID int64) ([]Listing, error)
	FetchSales(ctx context.Context, productExternalID int64, since time.Duration) ([]SaleRow, error)
}

// Client 基于HTTP的市场数据客户端
type Client struct {
	baseURL string
	client  *resty.Client
}

type listingsResponse struct {
	Results []Listing `json:"results"`
}

type salesResponse struct {
	Results []SaleRow `json:"results"`
}

// NewClient 创建市场数据客户端
func NewClient(baseURL, apiKey string) *Client {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &Client{
		baseURL: baseURL,
		client:  client,
	}
}

// FetchActiveListings 拉取某产品当前全部在售挂单
func (c *Client) FetchActiveListings(ctx context.Context, productExternalID int64) ([]Listing, error) {
	url := fmt.Sprintf("%s/v1/products/%d/listings", c.baseURL, productExternalID)

	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listings: %w", err)
	}
	if resp.StatusCode() == http.StatusForbidden {
		return nil, ErrRateLimited
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listings request failed: status %d", resp.StatusCode())
	}

	var body listingsResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode listings: %w", err)
	}
	return body.Results, nil
}

// FetchSales 增量拉取某产品since时间窗内的成交记录
func (c *Client) FetchSales(ctx context.Context, productExternalID int64, since time.Duration) ([]SaleRow, error) {
	url := fmt.Sprintf("%s/v1/products/%d/sales", c.baseURL, productExternalID)

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("since_hours", fmt.Sprintf("%d", int(since.Hours()))).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sales: %w", err)
	}
	if resp.StatusCode() == http.StatusForbidden {
		return nil, ErrRateLimited
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sales request failed: status %d", resp.StatusCode())
	}

	var body salesResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode sales: %w", err)
	}
	return body.Results, nil
}
