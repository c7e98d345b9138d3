package delegatedhttp

import (
	"context"
	"io"
	"net/http"
)

// DirectClient performs a GET with the standard local HTTP client. It
// implements Getter so Fallback can try it before delegating.
type DirectClient struct {
	client *http.Client
}

func NewDirectClient() *DirectClient {
	return &DirectClient{client: &http.Client{}}
}

func (d *DirectClient) Get(ctx context.Context, url string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Response{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}
