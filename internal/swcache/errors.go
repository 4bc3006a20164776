package swcache

import (
	"context"

	"github.com/jmgilman/go/errors"
)

// Error kinds produced by the engine. NetworkFailure and StoreUnavailable are
// recovered inside the strategies; PrewarmFailed is reported by Install.
const (
	CodeNetworkFailure   = errors.CodeNetwork
	CodeFetchTimeout     = errors.CodeTimeout
	CodeStoreUnavailable = errors.CodeDatabase
	CodeInvalidConfig    = errors.CodeInvalidConfig

	CodeNotCacheable  errors.ErrorCode = "NOT_CACHEABLE"
	CodePrewarmFailed errors.ErrorCode = "PREWARM_FAILED"
	CodeLifecycle     errors.ErrorCode = "LIFECYCLE_STATE"
)

func networkFailure(err error, url string) error {
	code := CodeNetworkFailure
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeFetchTimeout
	}
	return errors.WrapWithContext(err, code, "fetch failed", map[string]interface{}{"url": url})
}

func notCacheable(d RequestDescriptor) error {
	return errors.WithContext(errors.Newf(CodeNotCacheable, "%s requests are never stored", d.Method), "url", d.URL)
}

func storeUnavailable(err error, store string) error {
	return errors.WrapWithContext(err, CodeStoreUnavailable, "store unavailable", map[string]interface{}{"store": store})
}

// IsNetworkFailure reports whether err came from the transport.
func IsNetworkFailure(err error) bool {
	switch errors.GetCode(err) {
	case CodeNetworkFailure, CodeFetchTimeout:
		return true
	}
	return false
}

func IsStoreUnavailable(err error) bool {
	return errors.GetCode(err) == CodeStoreUnavailable
}

func IsPrewarmFailed(err error) bool {
	return errors.GetCode(err) == CodePrewarmFailed
}
