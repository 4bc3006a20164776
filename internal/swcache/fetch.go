package swcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs the live network request. A returned error means the
// transport could not complete; any HTTP status is a completed fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches with a plain http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if len(r.Body) > 0 {
		reqBody = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL.String(), reqBody)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: h,
		Body:   body,
		Source: SourceNetwork,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

// fetchLive runs one fetch bounded by timeout. Expiry is reported as a
// network failure like any other transport error.
func fetchLive(ctx context.Context, f Fetcher, req *Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := f.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, networkFailure(err, req.URL.String())
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Source = SourceNetwork
	return resp, nil
}
