package pricing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/token"
)

// analyticsFetcher is the slice of AnalyticsClient the icon chain needs.
type analyticsFetcher interface {
	Fetch(ctx context.Context, k token.Key) (Analytics, error)
}

// IconResolver finds a logo URL for a token by walking a fallback chain:
// analytics provider image, token-list logoURI, TrustWallet assets,
// DexScreener, and finally a static placeholder. It never fails: the
// placeholder is always a valid answer.
type IconResolver struct {
	log       *zap.Logger
	analytics analyticsFetcher
	store     *token.Store
	http      *http.Client

	trustBase   string
	dexBase     string
	placeholder string
	chainSlugs  map[int64]string // chain id -> TrustWallet blockchain dir
}

func NewIconResolver(analytics analyticsFetcher, store *token.Store, trustBase, dexBase, placeholder string, chainSlugs map[int64]string, log *zap.Logger) *IconResolver {
	return &IconResolver{
		log:         log,
		analytics:   analytics,
		store:       store,
		http:        &http.Client{Timeout: 4 * time.Second},
		trustBase:   strings.TrimRight(trustBase, "/"),
		dexBase:     strings.TrimRight(dexBase, "/"),
		placeholder: placeholder,
		chainSlugs:  chainSlugs,
	}
}

func (r *IconResolver) Resolve(ctx context.Context, k token.Key) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if r.analytics != nil {
		if a, err := r.analytics.Fetch(ctx, k); err == nil && a.ImageURL != "" {
			return a.ImageURL, nil
		}
	}

	if r.store != nil {
		if ti, ok := r.store.Lookup(k); ok && ti.LogoURI != "" {
			return ti.LogoURI, nil
		}
	}

	if slug, ok := r.chainSlugs[k.ChainID]; ok && r.trustBase != "" {
		u := fmt.Sprintf("%s/%s/assets/%s/logo.png", r.trustBase, slug, k.Address)
		if r.urlExists(ctx, u) {
			return u, nil
		}
	}

	if slug, ok := r.chainSlugs[k.ChainID]; ok && r.dexBase != "" {
		u := fmt.Sprintf("%s/%s/%s.png", r.dexBase, slug, strings.ToLower(k.Address))
		if r.urlExists(ctx, u) {
			return u, nil
		}
	}

	return r.placeholder, nil
}

func (r *IconResolver) urlExists(ctx context.Context, u string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
