package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"plot-stats/internal/config"
	"plot-stats/internal/fetcher"
)

var ErrTokenNotFound = errors.New("token not found on page")

// TokenScout loads the site's HTML shell and reads the build token from it.
// It fills an empty token cache before the first data request.
type TokenScout struct {
	baseURL  string
	headers  map[string]string
	proxyURL string
	timeout  time.Duration
}

func NewTokenScout(baseURL string, profile config.IdentityProfile, proxyURL string, timeout time.Duration) *TokenScout {
	headers := make(map[string]string, len(profile.Headers))
	for k, v := range profile.Headers {
		// colly only decodes gzip on its own
		if strings.EqualFold(k, "Accept-Encoding") {
			continue
		}
		headers[k] = v
	}

	return &TokenScout{
		baseURL:  baseURL,
		headers:  headers,
		proxyURL: proxyURL,
		timeout:  timeout,
	}
}

func (s *TokenScout) FetchToken(ctx context.Context) (string, error) {
	c := colly.NewCollector(colly.StdlibContext(ctx))
	c.SetRequestTimeout(s.timeout)
	if s.proxyURL != "" {
		if err := c.SetProxy(s.proxyURL); err != nil {
			return "", fmt.Errorf("set proxy: %w", err)
		}
	}

	c.OnRequest(func(r *colly.Request) {
		for k, v := range s.headers {
			r.Headers.Set(k, v)
		}
	})

	var token string
	c.OnHTML(`script[src*="_buildManifest"]`, func(e *colly.HTMLElement) {
		if token == "" {
			token = fetcher.TokenFromScriptSrc(e.Attr("src"))
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		log.Printf("Token scout request to %s failed with status %d: %v", r.Request.URL, r.StatusCode, err)
	})

	if err := c.Visit(s.baseURL); err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrTokenNotFound
	}

	log.Printf("Token scout found token %s", token)
	return token, nil
}
