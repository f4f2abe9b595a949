// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch retrieves web pages and reduces them to readable text for
// the chat and URL analysis flows.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jeranaias/erimtech/internal/util"
)

const (
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBytes is the largest body read from a response.
	DefaultMaxBytes = 2 << 20

	// DefaultMaxChars is the largest text handed to a model.
	DefaultMaxChars = 20000
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrUnsupportedContent is returned for binary responses.
	ErrUnsupportedContent = errors.New("unsupported content type")

	// ErrBlockedAddress is returned when a URL or redirect leads to a
	// loopback, private or otherwise internal address.
	ErrBlockedAddress = errors.New("address not allowed")
)

// maxRedirects matches net/http's default limit.
const maxRedirects = 10

// Fetcher downloads URLs and extracts text.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	maxChars  int
	userAgent string
	log       *zap.Logger

	allowPrivate bool
}

// Options configures a Fetcher. Zero values take the defaults.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	MaxChars  int
	UserAgent string

	// AllowPrivate permits loopback, private and link-local targets.
	// Ignored when Client is set.
	AllowPrivate bool

	// Client replaces the guarded default client.
	Client *http.Client
}

// New creates a Fetcher.
func New(opts Options, log *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "erimtech-fetch/1.0"
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fetcher{
		client:       opts.Client,
		maxBytes:     opts.MaxBytes,
		maxChars:     opts.MaxChars,
		userAgent:    opts.UserAgent,
		allowPrivate: opts.AllowPrivate,
		log:          log.Named("fetch"),
	}
	if f.client == nil {
		f.client = f.guardedClient(opts.Timeout)
	}
	return f
}

// guardedClient dials only public addresses unless allowPrivate is set.
// The check runs on the resolved address, so DNS names that point inside
// the network are refused too.
func (f *Fetcher) guardedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !f.allowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip, err := netip.ParseAddr(host)
			if err != nil || Blocked(ip) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
			return nil
		}
		// A proxy would be dialled instead of the target.
		tr.Proxy = nil
	}
	tr.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:       timeout,
		Transport:     tr,
		CheckRedirect: f.checkRedirect,
	}
}

// checkRedirect re-validates every hop.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if _, err := ValidateURL(req.URL.String()); err != nil {
		return err
	}
	return f.checkHost(req.URL.Hostname())
}

// checkHost rejects literal internal addresses and localhost before any
// connection is made.
func (f *Fetcher) checkHost(host string) error {
	if f.allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && Blocked(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// blockedPrefixes are special-purpose ranges not covered by the netip
// predicates.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// Blocked reports whether ip is loopback, private, link-local, unspecified,
// multicast or another internal range.
func Blocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL checks that raw is an absolute http or https URL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Fetch downloads rawURL and returns its readable text, truncated to the
// configured character limit.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := f.checkHost(u.Hostname()); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f.log.Debug("fetched",
		zap.String("host", u.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("Failed to fetch content from URL: %s", rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var text string
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text, err = ExtractText(string(body))
		if err != nil {
			return "", err
		}
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json", strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "xml"):
		text = strings.TrimSpace(string(body))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}

	return util.TruncateString(text, f.maxChars), nil
}

// skipped elements never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
}

// block elements end a line of text.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Pre: true, atom.Blockquote: true, atom.Title: true,
}

// ExtractText parses an HTML document and returns its visible text with
// whitespace collapsed and one line per block element.
func ExtractText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.CommentNode {
			return
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		isBlock := n.Type == html.ElementNode && block[n.DataAtom]
		if isBlock {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if isBlock {
			flush()
		}
	}
	walk(root)
	flush()

	return strings.Join(lines, "\n"), nil
}
