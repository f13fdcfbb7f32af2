// Package middleware provides shared, transport-agnostic context
// helpers. It lives in pkg/ (not internal/) so every transport in
// internal/session can share the same contextKey without an import
// cycle back into internal/session itself.
package middleware

import "context"

type contextKey string

const namespaceKey contextKey = "namespace"

// GetNamespace extracts the request's namespace from the context,
// defaulting to "default" per spec.md §3.
func GetNamespace(ctx context.Context) string {
	if v, ok := ctx.Value(namespaceKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// SetNamespace stores the namespace in the context.
func SetNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceKey, namespace)
}
