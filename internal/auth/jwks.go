package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// maxJWKSBody bounds how much of a JWKS response we are willing to read.
const maxJWKSBody = 1 << 20

// KeySet caches the issuer's published RSA verification keys. A lookup miss
// triggers one refetch of the whole document; concurrent misses share a single
// fetch. The cache is replaced wholesale on every fetch, so rotated-out keys
// disappear as soon as the issuer stops publishing them.
type KeySet struct {
	url        string
	serviceKey string
	client     *http.Client

	group singleflight.Group

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

var _ KeyLookup = (*KeySet)(nil)

// NewKeySet builds a key set fetching from url, presenting serviceKey to the
// issuer. A nil client falls back to http.DefaultClient.
func NewKeySet(url, serviceKey string, client *http.Client) *KeySet {
	if client == nil {
		client = http.DefaultClient
	}
	return &KeySet{
		url:        url,
		serviceKey: serviceKey,
		client:     client,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Lookup returns the public key for kid, refetching the JWKS once if the kid
// is not cached. An unknown kid after a fresh fetch is a KindUnknownKey error.
func (ks *KeySet) Lookup(ctx context.Context, kid string) (any, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	// All concurrent misses, whatever their kid, share one fetch of the
	// document.
	if _, err, _ := ks.group.Do("jwks", func() (any, error) {
		return nil, ks.refresh(ctx)
	}); err != nil {
		return nil, &Error{Kind: KindUnknownKey, err: err}
	}

	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnknownKey, err: fmt.Errorf("issuer does not publish key %q", kid)}
	}
	return key, nil
}

// refresh fetches the JWKS document and replaces the cache.
func (ks *KeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	req.Header.Set("apikey", ks.serviceKey)
	req.Header.Set("Authorization", "Bearer "+ks.serviceKey)

	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: issuer returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return fmt.Errorf("read JWKS response: %w", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func parseJWKS(body []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		// Non-RSA and signing-unrelated entries are skipped, not fatal.
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("JWKS key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() > int64(1)<<31 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp.Int64()),
	}, nil
}
