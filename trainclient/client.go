package trainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"training-orchestrator/types"
	"training-orchestrator/utils"
)

const (
	HealthPath          = "/api/v1/health"
	ExecuteShardPath    = "/api/v1/train/execute"
	ArtifactMetricsPath = "/api/v1/artifacts/metrics"
)

// Client is the HTTP implementation of TrainClient.
type Client struct {
	baseUrl string
	client  http.Client
}

func NewClient(baseUrl string, timeout time.Duration) *Client {
	return &Client{
		baseUrl: baseUrl,
		client:  http.Client{Timeout: timeout},
	}
}

func (c *Client) Health(ctx context.Context) (bool, error) {
	requestUrl, err := url.JoinPath(c.baseUrl, HealthPath)
	if err != nil {
		return false, err
	}
	resp, err := utils.SendGetRequest(ctx, &c.client, requestUrl)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) ExecuteShard(ctx context.Context, req ExecuteShardRequest) (*ExecuteShardResponse, error) {
	requestUrl, err := url.JoinPath(c.baseUrl, ExecuteShardPath)
	if err != nil {
		return nil, err
	}
	httpResp, err := utils.SendPostJsonRequest(ctx, &c.client, requestUrl, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("execute shard failed with status %d: %s", httpResp.StatusCode, string(body))
	}

	var resp ExecuteShardResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode execute shard response: %w", err)
	}
	return &resp, nil
}

func (c *Client) ArtifactMetrics(ctx context.Context, payloadRef string) (*types.ArtifactMetrics, error) {
	requestUrl, err := url.JoinPath(c.baseUrl, ArtifactMetricsPath)
	if err != nil {
		return nil, err
	}
	requestUrl += "?ref=" + url.QueryEscape(payloadRef)

	httpResp, err := utils.SendGetRequest(ctx, &c.client, requestUrl)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("artifact metrics failed with status %d: %s", httpResp.StatusCode, string(body))
	}

	var metrics types.ArtifactMetrics
	if err := json.NewDecoder(httpResp.Body).Decode(&metrics); err != nil {
		return nil, fmt.Errorf("decode artifact metrics response: %w", err)
	}
	return &metrics, nil
}
