package httpsig

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DirectoryContentType is the media type a signature agent directory must
// be served with.
const DirectoryContentType = "application/http-message-signatures-directory+json"

const (
	directoryCacheTTL    = 60 * time.Second
	directoryFetchLimit  = 64 << 10
	defaultFetchTimeout  = 10 * time.Second
	maxCachedDirectories = 64
)

// errKeyNotInDirectory distinguishes a clean lookup miss from fetch and
// decode failures.
var errKeyNotInDirectory = fmt.Errorf("keyid not present in directory")

type directoryEntry struct {
	byThumbprint map[string]ed25519.PublicKey
	fetchedAt    time.Time
}

// directoryCache fetches signature agent directories and keeps them for up
// to 60 seconds. An entry is dropped as soon as a lookup against it misses,
// so a rotated key becomes visible on the next attempt.
type directoryCache struct {
	mu      sync.RWMutex
	entries map[string]*directoryEntry

	client        *http.Client
	allowLoopback bool
	now           func() time.Time
}

func newDirectoryCache(client *http.Client, allowLoopback bool, now func() time.Time) *directoryCache {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if now == nil {
		now = time.Now
	}
	return &directoryCache{
		entries:       make(map[string]*directoryEntry),
		client:        client,
		allowLoopback: allowLoopback,
		now:           now,
	}
}

// lookupKey resolves keyid against the directory at agentURL. The key is
// matched by RFC 7638 thumbprint. A miss against a cached directory
// invalidates the entry and retries against a fresh fetch before giving up.
func (c *directoryCache) lookupKey(ctx context.Context, agentURL, keyid string) (ed25519.PublicKey, error) {
	if err := c.validateAgentURL(agentURL); err != nil {
		return nil, err
	}

	if entry, ok := c.cached(agentURL); ok {
		if pub, ok := entry.byThumbprint[keyid]; ok {
			return pub, nil
		}
		c.invalidate(agentURL)
	}

	entry, err := c.fetch(ctx, agentURL)
	if err != nil {
		return nil, err
	}
	c.store(agentURL, entry)

	if pub, ok := entry.byThumbprint[keyid]; ok {
		return pub, nil
	}
	c.invalidate(agentURL)
	return nil, errKeyNotInDirectory
}

func (c *directoryCache) validateAgentURL(agentURL string) error {
	u, err := url.Parse(agentURL)
	if err != nil {
		return fmt.Errorf("invalid signature agent url %q: %w", agentURL, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.allowLoopback && isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("signature agent url %q must use https", agentURL)
	default:
		return fmt.Errorf("signature agent url %q has unsupported scheme %q", agentURL, u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *directoryCache) cached(agentURL string) (*directoryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[agentURL]
	if !ok || c.now().Sub(entry.fetchedAt) >= directoryCacheTTL {
		return nil, false
	}
	return entry, true
}

func (c *directoryCache) invalidate(agentURL string) {
	c.mu.Lock()
	delete(c.entries, agentURL)
	c.mu.Unlock()
}

func (c *directoryCache) store(agentURL string, entry *directoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCachedDirectories {
		c.evictOldestLocked()
	}
	c.entries[agentURL] = entry
}

func (c *directoryCache) evictOldestLocked() {
	var oldestURL string
	var oldestAt time.Time
	for u, entry := range c.entries {
		if oldestURL == "" || entry.fetchedAt.Before(oldestAt) {
			oldestURL = u
			oldestAt = entry.fetchedAt
		}
	}
	if oldestURL != "" {
		delete(c.entries, oldestURL)
	}
}

func (c *directoryCache) fetch(ctx context.Context, agentURL string) (*directoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building directory request: %w", err)
	}
	req.Header.Set("Accept", DirectoryContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching directory %q: %w", agentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory %q returned status %d", agentURL, resp.StatusCode)
	}
	if err := checkDirectoryContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, fmt.Errorf("directory %q: %w", agentURL, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, directoryFetchLimit+1))
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", agentURL, err)
	}
	if len(body) > directoryFetchLimit {
		return nil, fmt.Errorf("directory %q exceeds %d bytes", agentURL, directoryFetchLimit)
	}

	var doc DirectoryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding directory %q: %w", agentURL, err)
	}

	entry := &directoryEntry{
		byThumbprint: make(map[string]ed25519.PublicKey),
		fetchedAt:    c.now(),
	}
	for _, key := range doc.Keys {
		if key.Kty != "OKP" || key.Crv != "Ed25519" {
			continue
		}
		pub, err := key.PublicKey()
		if err != nil {
			continue
		}
		thumb, err := Thumbprint(key)
		if err != nil {
			continue
		}
		entry.byThumbprint[thumb] = pub
	}
	return entry, nil
}

func checkDirectoryContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid content type %q", contentType)
	}
	if !strings.EqualFold(mediaType, DirectoryContentType) {
		return fmt.Errorf("unexpected content type %q", mediaType)
	}
	return nil
}
