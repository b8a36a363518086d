package fetcher

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/publicsuffix"

	"plot-stats/internal/config"
)

const maxBodySize = 32 << 20

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Identity is one browser persona: a fixed header set plus its own client,
// cookie jar and proxied transport.
type Identity struct {
	Name    string
	Headers map[string]string
	Client  Doer
}

// NewIdentities builds one identity per profile. An empty proxyURL means
// direct connections.
func NewIdentities(profiles []config.IdentityProfile, proxyURL string, timeout time.Duration) ([]*Identity, error) {
	var proxy func(*http.Request) (*url.URL, error)
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = http.ProxyURL(parsed)
	}

	identities := make([]*Identity, 0, len(profiles))
	for _, profile := range profiles {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}

		transport := &http.Transport{
			Proxy:             proxy,
			ForceAttemptHTTP2: false,
			TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
		}

		identities = append(identities, &Identity{
			Name:    profile.Name,
			Headers: profile.Headers,
			Client: &http.Client{
				Timeout:   timeout,
				Transport: transport,
				Jar:       jar,
			},
		})
	}

	return identities, nil
}

// Do sends req with the identity's headers and returns the decoded body.
func (i *Identity) Do(req *http.Request) (int, []byte, error) {
	for k, v := range i.Headers {
		req.Header.Set(k, v)
	}

	resp, err := i.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}

	return io.ReadAll(io.LimitReader(reader, maxBodySize))
}
