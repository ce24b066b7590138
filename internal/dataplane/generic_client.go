package dataplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/edgeflow/shadowgw/internal/apperr"
)

// GenericConfig configures a non-AWS, OAuth2-protected REST shadow
// service, for gateways deployed against an in-house or third-party
// cloud rather than AWS IoT.
type GenericConfig struct {
	BaseURL      string // e.g. https://shadow.example.com
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// GenericClient implements ShadowDataPlane against a generic REST
// shadow API, the way internal/saas.ShadowManager talks HTTP to a
// single-shadow endpoint, generalized to named shadows and
// oauth2-based auth instead of a static API key.
type GenericClient struct {
	baseURL string
	http    *http.Client
}

func NewGenericClient(cfg GenericConfig) *GenericClient {
	oauthCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	return &GenericClient{
		baseURL: cfg.BaseURL,
		http:    oauth2.NewClient(context.Background(), oauthCfg.TokenSource(context.Background())),
	}
}

func (c *GenericClient) shadowURL(thing, shadowName string) string {
	if shadowName == "" {
		return fmt.Sprintf("%s/things/%s/shadow", c.baseURL, thing)
	}
	return fmt.Sprintf("%s/things/%s/shadow/name/%s", c.baseURL, thing, shadowName)
}

func (c *GenericClient) Get(ctx context.Context, thing, shadowName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.shadowURL(thing, shadowName), nil)
	if err != nil {
		return nil, apperr.ErrInvalidArguments(err.Error())
	}
	return c.do(req)
}

func (c *GenericClient) Update(ctx context.Context, thing, shadowName string, patch []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.shadowURL(thing, shadowName), bytes.NewReader(patch))
	if err != nil {
		return nil, apperr.ErrInvalidArguments(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *GenericClient) Delete(ctx context.Context, thing, shadowName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.shadowURL(thing, shadowName), nil)
	if err != nil {
		return apperr.ErrInvalidArguments(err.Error())
	}
	_, err = c.do(req)
	return err
}

func (c *GenericClient) do(req *http.Request) ([]byte, error) {
	client := c.http
	if client.Timeout == 0 {
		client = &http.Client{Transport: c.http.Transport, Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.ErrServiceUnavailable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.ErrServiceUnavailable(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.ErrResourceNotFound(string(body))
	case resp.StatusCode == http.StatusConflict:
		return nil, apperr.ErrVersionConflict(string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.ErrThrottled(string(body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.ErrUnauthorized(string(body))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, apperr.ErrPayloadTooLarge(string(body))
	case resp.StatusCode >= 500:
		return nil, apperr.ErrServiceUnavailable(fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return nil, apperr.ErrInvalidPayload(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, body))
	}
}
