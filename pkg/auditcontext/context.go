// Package auditcontext carries request attribution and the audit-enable
// override through context.Context.
//
// Both values are context-scoped rather than process-global so concurrent
// requests and tasks never observe each other's state, and nested overrides
// compose naturally: the innermost context wins and the outer state is
// restored simply by returning to the outer context.
//
// Usage in middleware (set values):
//
//	ctx = auditcontext.WithRequest(ctx, &auditcontext.Request{...})
//
// Usage around large migrations:
//
//	ctx = auditcontext.WithAuditDisabled(ctx)
package auditcontext

import "context"

// Request is the request-like attribution source read by the auditor chain.
// A nil *Request means "no request in flight" (worker, CLI, migration).
type Request struct {
	// Username identifies the authenticated principal. Empty when the
	// request carries no identifiable user.
	Username string

	// Authenticated reports whether the request carries an authenticated
	// principal. A Request with Authenticated=false still short-circuits the
	// default auditor chain: there was a request, just no identifiable user.
	Authenticated bool

	// RequestID is the correlation ID assigned by the HTTP layer, if any.
	RequestID string
}

type (
	requestKey      struct{}
	auditEnabledKey struct{}
)

// WithRequest injects the current request descriptor into the context.
func WithRequest(ctx context.Context, req *Request) context.Context {
	if req == nil {
		return ctx
	}
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFrom extracts the current request descriptor, or nil.
func RequestFrom(ctx context.Context) *Request {
	req, _ := ctx.Value(requestKey{}).(*Request)
	return req
}

// WithAuditDisabled returns a context in which auditing is force-disabled
// regardless of the configured default. Useful for large migrations.
func WithAuditDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, auditEnabledKey{}, false)
}

// WithAuditEnabled returns a context in which auditing is force-enabled,
// overriding both the configured default and any outer WithAuditDisabled.
func WithAuditEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, auditEnabledKey{}, true)
}

// AuditEnabled reports whether auditing is active: the innermost context
// override wins, otherwise def (the configured process default) applies.
func AuditEnabled(ctx context.Context, def bool) bool {
	if v, ok := ctx.Value(auditEnabledKey{}).(bool); ok {
		return v
	}
	return def
}
