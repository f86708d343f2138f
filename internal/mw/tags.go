package mw

import (
	"context"
	"net/http"
)

// tags is filled in by inner handlers and read by outer ones (access log,
// metrics) after the request completes.
type tags struct {
	route    string
	decision string
}

type tagsKeyType struct{}

var tagsKey tagsKeyType

// Tags installs the per-request tag holder. It must wrap AccessLog and
// Instrument for their route labels to be filled in.
func Tags(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(tagsKey).(*tags); ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), tagsKey, &tags{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithRoute(next http.Handler, routeName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRoute(r.Context(), routeName)
		next.ServeHTTP(w, r)
	})
}

func SetRoute(ctx context.Context, name string) {
	if t, ok := ctx.Value(tagsKey).(*tags); ok {
		t.route = name
	}
}

func setDecision(ctx context.Context, decision string) {
	if t, ok := ctx.Value(tagsKey).(*tags); ok {
		t.decision = decision
	}
}

func RouteName(ctx context.Context) string {
	if t, ok := ctx.Value(tagsKey).(*tags); ok && t.route != "" {
		return t.route
	}
	return "unknown"
}

func DecisionName(ctx context.Context) string {
	if t, ok := ctx.Value(tagsKey).(*tags); ok {
		return t.decision
	}
	return ""
}
