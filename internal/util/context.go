package util

import (
	"context"
	"time"
)

// ctxKey is a private type for context keys to avoid collisions.
type ctxKey string

const (
	routeKey     ctxKey = "route"
	versionKey   ctxKey = "api_version"
	userIDKey    ctxKey = "user_id"
	startTimeKey ctxKey = "start_time"
)

// ContextWithRoute stores the matched route name in the context.
// Middleware reads it back for low-cardinality metric labels.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// RouteFromContext returns the matched route name, or "" if unset.
func RouteFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(routeKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithVersion stores the resolved API version in the context.
func ContextWithVersion(ctx context.Context, version string) context.Context {
	return context.WithValue(ctx, versionKey, version)
}

// VersionFromContext returns the resolved API version, or "" if unset.
func VersionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(versionKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUserID stores the authenticated user id in the context.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, or "" if unset.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithStartTime stores the request start time in the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, t)
}

// StartTimeFromContext returns the request start time and whether it
// was set.
func StartTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// ElapsedTime returns the time elapsed since the start time stored in
// the context, or zero if none was set.
func ElapsedTime(ctx context.Context) time.Duration {
	if t, ok := StartTimeFromContext(ctx); ok {
		return time.Since(t)
	}
	return 0
}
