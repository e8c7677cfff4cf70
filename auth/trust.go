package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-toolauth/internal/jwks"
)

// TrustSource resolves the key that verifies a token's signature. Errors are
// returned as *Rejection values.
type TrustSource interface {
	VerificationKey(ctx context.Context, token *jwt.Token) (any, error)
}

var (
	_ TrustSource = (*StaticKey)(nil)
	_ TrustSource = (*FileKey)(nil)
	_ TrustSource = (*JWKS)(nil)
)

// StaticKey trusts a single public key, such as the process's own self-issued
// key pair.
type StaticKey struct {
	key crypto.PublicKey
}

func NewStaticKey(key crypto.PublicKey) (*StaticKey, error) {
	if key == nil {
		return nil, errors.New("auth: static key is nil")
	}
	return &StaticKey{key: key}, nil
}

func (s *StaticKey) VerificationKey(context.Context, *jwt.Token) (any, error) {
	return s.key, nil
}

// JWKS trusts the keys published at a remote JSON Web Key Set URL. The set is
// cached and refreshed lazily.
type JWKS struct {
	cache *jwks.Cache
}

func NewJWKS(url string, opts ...JWKSOption) (*JWKS, error) {
	cfg := jwks.DefaultConfig()
	cfg.URL = url
	for _, opt := range opts {
		opt(cfg)
	}
	cache, err := jwks.New(cfg)
	if err != nil {
		return nil, err
	}
	return &JWKS{cache: cache}, nil
}

func (j *JWKS) URL() string { return j.cache.URL() }

// Fetches reports how many key set fetches have been started.
func (j *JWKS) Fetches() int64 { return j.cache.Fetches() }

func (j *JWKS) VerificationKey(ctx context.Context, token *jwt.Token) (any, error) {
	key, err := j.cache.Key(ctx, token)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, jwks.ErrKeyNotFound):
		return nil, Reject(KindSignatureInvalid, "no matching key in key set", err)
	default:
		return nil, Reject(KindKeyResolutionFailed, "key set unavailable", err)
	}
}

// FileKey trusts an RSA public key read from a PEM file. The file is watched
// and the key replaced when it changes; a change that fails to parse keeps
// the previous key.
type FileKey struct {
	path    string
	log     *slog.Logger
	key     atomic.Pointer[rsa.PublicKey]
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
	reloaded  chan struct{}
}

// NewFileKey loads path and watches it until ctx is done or Close is called.
func NewFileKey(ctx context.Context, path string, log *slog.Logger) (*FileKey, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve key path: %w", err)
	}
	fk := &FileKey{
		path:     abs,
		log:      log,
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}
	if err := fk.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch key file: %w", err)
	}
	// Watch the directory so atomic rename-into-place is observed.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch key file: %w", err)
	}
	fk.watcher = w
	go fk.run(ctx)
	return fk, nil
}

func (f *FileKey) VerificationKey(context.Context, *jwt.Token) (any, error) {
	key := f.key.Load()
	if key == nil {
		return nil, Reject(KindKeyResolutionFailed, "public key not loaded", nil)
	}
	return key, nil
}

// Reloaded delivers a value after each successful reload.
func (f *FileKey) Reloaded() <-chan struct{} { return f.reloaded }

// Close stops watching the file.
func (f *FileKey) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}

func (f *FileKey) load() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return fmt.Errorf("parse public key %s: %w", f.path, err)
	}
	f.key.Store(key)
	return nil
}

func (f *FileKey) run(ctx context.Context) {
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := f.load(); err != nil {
				f.log.WarnContext(ctx, "keyfile.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "keyfile.reload.ok", slog.String("path", f.path))
			select {
			case f.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "keyfile.watch.error", slog.String("err", err.Error()))
		}
	}
}
