package gateway

import (
	"context"
	"fmt"
	"net/http"
)

var UserAgent = fmt.Sprintf("RoostGateway/%s (https://github.com/roostworks/gateway)", Version)

// GatewayClient fetches connection metadata from the HTTP API. It is the
// only request/response surface this module owns; everything else about
// the REST API lives with the caller.
type GatewayClient struct {
	Client   *http.Client
	Endpoint string
	Token    string
}

func NewGatewayClient(token string) *GatewayClient {
	return &GatewayClient{
		Client:   http.DefaultClient,
		Endpoint: EndpointGatewayBot,
		Token:    token,
	}
}

// FetchConnectionInfo returns the gateway URL, the recommended shard count
// and the session start limits for this token. The response is treated as
// best-effort configuration; staleness is tolerated.
func (client *GatewayClient) FetchConnectionInfo(ctx context.Context) (*GatewayBotResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+client.Token)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to do request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway bot request returned %s", resp.Status)
	}

	var gatewayBotResponse GatewayBotResponse
	if err := json.NewDecoder(resp.Body).Decode(&gatewayBotResponse); err != nil {
		return nil, fmt.Errorf("failed to decode gateway bot response: %w", err)
	}

	return &gatewayBotResponse, nil
}
