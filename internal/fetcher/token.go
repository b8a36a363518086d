package fetcher

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	TokenPlaceholder = "{api_key}"
	ManifestMarker   = "_buildManifest.js"
)

// ExtractToken finds the build token in an HTML page: the second-to-last
// path segment of the manifest script's src.
func ExtractToken(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}

	var token string
	doc.Find("script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		if !strings.Contains(src, ManifestMarker) {
			return true
		}
		token = TokenFromScriptSrc(src)
		return token == ""
	})
	return token
}

func TokenFromScriptSrc(src string) string {
	parts := strings.Split(src, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func ApplyToken(urlTemplate, token string) string {
	return strings.ReplaceAll(urlTemplate, TokenPlaceholder, token)
}

// BuildAPIURL maps a public search page URL onto the site's data endpoint,
// leaving TokenPlaceholder where the build token goes.
func BuildAPIURL(baseURL, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(baseURL, "/"))
	b.WriteString("/_next/data/")
	b.WriteString(TokenPlaceholder)
	b.WriteString(parsed.Path)
	b.WriteString(".json?")
	b.WriteString(parsed.RawQuery)

	segments := strings.Split(parsed.Path, "/")
	if len(segments) > 3 {
		for _, segment := range segments[3:] {
			b.WriteString("&searchingCriteria=")
			b.WriteString(segment)
		}
	}
	return b.String(), nil
}

func PageURL(apiURL string, page int) string {
	return apiURL + "&page=" + strconv.Itoa(page)
}
