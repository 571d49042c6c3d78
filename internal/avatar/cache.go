// Package avatar keeps sender avatars on local disk so the renderer can
// reference them as files.
package avatar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/manamana32321/betternotify/internal/telemetry"
)

// ErrFetch wraps every download failure.
var ErrFetch = errors.New("avatar fetch failed")

const (
	DefaultTimeout     = 3 * time.Second
	negativeTTL        = time.Minute
	maxImageBytes      = 8 << 20
	cdnAvatarSizeQuery = "?size=256"
)

var plainKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// URLFunc builds the download URL for a user's avatar.
type URLFunc func(userID, avatarID string) string

// DiscordCDN is the default URLFunc.
func DiscordCDN(userID, avatarID string) string {
	return discordgo.EndpointUserAvatar(userID, avatarID) + cdnAvatarSizeQuery
}

// Cache is an on-disk avatar store. A file present under a key is valid
// forever; it is never refreshed.
type Cache struct {
	dir     string
	client  *http.Client
	urlFor  URLFunc
	timeout time.Duration
	log     zerolog.Logger
	tel     *telemetry.Telemetry

	flights  singleflight.Group
	negative *gocache.Cache
}

type Option func(*Cache)

func WithHTTPClient(c *http.Client) Option        { return func(a *Cache) { a.client = c } }
func WithURLFunc(fn URLFunc) Option               { return func(a *Cache) { a.urlFor = fn } }
func WithTimeout(d time.Duration) Option          { return func(a *Cache) { a.timeout = d } }
func WithLogger(l zerolog.Logger) Option          { return func(a *Cache) { a.log = l } }
func WithTelemetry(t *telemetry.Telemetry) Option { return func(a *Cache) { a.tel = t } }

// New creates the cache directory (owner only) if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create avatar cache %s: %w", dir, err)
	}
	c := &Cache{
		dir:      dir,
		client:   http.DefaultClient,
		urlFor:   DiscordCDN,
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
		tel:      telemetry.Nop(),
		negative: gocache.New(negativeTTL, 2*negativeTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) Dir() string { return c.dir }

// Path is where the avatar with this id lives, whether or not it exists.
func (c *Cache) Path(avatarID string) string {
	return filepath.Join(c.dir, fileKey(avatarID)+".png")
}

// Resolve returns the local path of the avatar, downloading it first when
// missing. ok is false when the image could not be obtained within the
// timeout; callers render without an avatar then.
func (c *Cache) Resolve(ctx context.Context, userID, avatarID string) (string, bool) {
	if avatarID == "" {
		return "", false
	}
	if userID == "" {
		// only a cached copy can help without the owner id
		if dst := c.Path(avatarID); exists(dst) {
			return dst, true
		}
		return "", false
	}
	return c.resolve(ctx, c.Path(avatarID), c.urlFor(userID, avatarID))
}

// ResolveURL caches an arbitrary image, keyed by the URL.
func (c *Cache) ResolveURL(ctx context.Context, rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(rawURL))
	dst := filepath.Join(c.dir, "url-"+hex.EncodeToString(sum[:])+imageExt(rawURL))
	return c.resolve(ctx, dst, rawURL)
}

func (c *Cache) resolve(ctx context.Context, dst, url string) (string, bool) {
	if exists(dst) {
		c.tel.AvatarCacheHits.Add(ctx, 1)
		return dst, true
	}
	if _, failed := c.negative.Get(dst); failed {
		return "", false
	}
	c.tel.AvatarCacheMisses.Add(ctx, 1)

	// one download per file; every caller waits at most for its own ctx
	ch := c.flights.DoChan(dst, func() (any, error) {
		if exists(dst) {
			return dst, nil
		}
		err := c.download(dst, url)
		if err != nil {
			c.negative.SetDefault(dst, struct{}{})
			c.tel.AvatarFetchFailures.Add(context.Background(), 1)
			c.log.Warn().Err(err).Str("url", url).Msg("avatar download failed")
			return "", err
		}
		return dst, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		return dst, true
	case <-ctx.Done():
		c.log.Debug().Str("path", dst).Msg("gave up waiting for avatar")
		return "", false
	}
}

func (c *Cache) download(dst, url string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		c.tel.AvatarFetchDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrFetch, url, resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			os.Remove(dst)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if n == 0 || n > maxImageBytes {
		err = fmt.Errorf("%w: %s: unexpected size %d", ErrFetch, url, n)
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	c.log.Debug().Str("path", dst).Int64("bytes", n).Msg("avatar cached")
	return nil
}

func fileKey(id string) string {
	if plainKey.MatchString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func exists(name string) bool {
	fi, err := os.Stat(name)
	return err == nil && fi.Mode().IsRegular()
}

func imageExt(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	ext := strings.ToLower(path.Ext(rawURL))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ext
	}
	return ".img"
}
