package domain

import "context"

type sourceCtxKey struct{}

// ContextWithSource annotates ctx with the source whose item is being
// processed, so storage and metrics below can label by source without
// threading it through every signature.
func ContextWithSource(ctx Context, s Source) Context {
	return context.WithValue(ctx, sourceCtxKey{}, s)
}

// SourceFromContext returns the annotated source, if any.
func SourceFromContext(ctx Context) (Source, bool) {
	s, ok := ctx.Value(sourceCtxKey{}).(Source)
	return s, ok
}
