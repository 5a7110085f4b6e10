package quota

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/rankwatch/internal/model"
	"github.com/hitoshi/rankwatch/internal/repository"
)

// noPackage はパッケージ未設定をキャッシュするためのマーカー。
type noPackage struct{}

// CachedResolver はPackageResolverの結果をTTL付きでキャッシュする。
// スイープ中は同一テナントのキーワードごとにクォータを確認するため、
// パッケージ設定の読み取りをテナント単位にまとめる。
type CachedResolver struct {
	next  repository.PackageResolver
	cache *cache.Cache
}

// NewCachedResolver はCachedResolverを生成する。ttlが0以下の場合はキャッシュしない。
func NewCachedResolver(next repository.PackageResolver, ttl time.Duration) *CachedResolver {
	r := &CachedResolver{next: next}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// ResolvePackage はキャッシュを参照し、なければ委譲先から取得してキャッシュする。
// エラーはキャッシュしない。
func (r *CachedResolver) ResolvePackage(ctx context.Context, tenantID string) (*model.PackageQuota, error) {
	if r.cache == nil {
		return r.next.ResolvePackage(ctx, tenantID)
	}

	if v, found := r.cache.Get(tenantID); found {
		switch p := v.(type) {
		case model.PackageQuota:
			return &p, nil
		case noPackage:
			return nil, nil
		}
	}

	pkg, err := r.next.ResolvePackage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if pkg == nil {
		r.cache.SetDefault(tenantID, noPackage{})
		return nil, nil
	}
	r.cache.SetDefault(tenantID, *pkg)
	return pkg, nil
}

// Invalidate は指定テナントのキャッシュを破棄する。
func (r *CachedResolver) Invalidate(tenantID string) {
	if r.cache != nil {
		r.cache.Delete(tenantID)
	}
}

// compile-time interface check
var _ repository.PackageResolver = (*CachedResolver)(nil)
