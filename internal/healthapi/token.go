package healthapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Token file permissions: owner-only.
const (
	tokenFilePerms = 0o600
	tokenDirPerms  = 0o700
)

// ErrNoToken means a token file was configured but holds no token.
var ErrNoToken = errors.New("healthapi: no token saved")

// Credentials selects how the client authenticates. With ClientID and
// TokenURL set, the OAuth2 client-credentials flow is used and tokens are
// cached in TokenFile when given. With only TokenFile set, the saved token
// is used as is. With neither, requests are unauthenticated.
type Credentials struct {
	TokenFile    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// tokenFile is the on-disk format.
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
}

// NewTokenSource builds the token source described by creds. It returns
// nil, nil when no credentials are configured.
func NewTokenSource(ctx context.Context, creds Credentials, logger *slog.Logger) (oauth2.TokenSource, error) {
	var cached *oauth2.Token

	if creds.TokenFile != "" {
		tok, err := LoadToken(creds.TokenFile)
		if err != nil {
			return nil, err
		}

		cached = tok
	}

	if creds.ClientID != "" && creds.TokenURL != "" {
		cfg := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}

		src := oauth2.ReuseTokenSource(cached, cfg.TokenSource(ctx))
		if creds.TokenFile == "" {
			return src, nil
		}

		last := ""
		if cached != nil {
			last = cached.AccessToken
		}

		return &persistingSource{src: src, path: creds.TokenFile, last: last, logger: logger}, nil
	}

	if creds.TokenFile != "" {
		if cached == nil {
			return nil, fmt.Errorf("%w in %s", ErrNoToken, creds.TokenFile)
		}

		return oauth2.StaticTokenSource(cached), nil
	}

	return nil, nil //nolint:nilnil // unauthenticated feed
}

// persistingSource writes each newly minted token back to disk so the next
// process start can reuse it.
type persistingSource struct {
	src    oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.AccessToken != p.last {
		if err := SaveToken(p.path, tok); err != nil {
			// The token is still usable for this process.
			p.logger.Warn("failed to cache token", slog.String("error", err.Error()))
		} else {
			p.last = tok.AccessToken
		}
	}

	return tok, nil
}

// LoadToken reads a saved token. Returns nil, nil if the file does not exist.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("healthapi: reading token %s: %w", path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("healthapi: decoding token %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("healthapi: %s missing token field", path)
	}

	return tf.Token, nil
}

// SaveToken writes a token atomically (temp file + rename) with 0600
// permissions. Token values are never logged.
func SaveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tokenFile{Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("healthapi: encoding token: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, tokenDirPerms); err != nil {
		return fmt.Errorf("healthapi: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("healthapi: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, tokenFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("healthapi: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("healthapi: writing token: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("healthapi: syncing token: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("healthapi: closing token: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("healthapi: renaming token: %w", err)
	}

	success = true

	return nil
}
