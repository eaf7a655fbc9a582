package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuth = errors.New("missing authorization header")
	errAuthScheme  = errors.New("invalid authorization scheme")
	errBadToken    = errors.New("invalid token")
)

// bearerAuth checks credentials against a shared token. The zero value
// accepts everything.
type bearerAuth struct {
	token []byte
}

func (a bearerAuth) enabled() bool { return len(a.token) > 0 }

// checkHeader validates an "Authorization: Bearer <token>" value.
func (a bearerAuth) checkHeader(header string) error {
	if header == "" {
		return errMissingAuth
	}
	provided, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errAuthScheme
	}
	return a.checkToken(provided)
}

func (a bearerAuth) checkToken(provided string) error {
	if subtle.ConstantTimeCompare([]byte(provided), a.token) != 1 {
		return errBadToken
	}
	return nil
}

// checkContext validates the authorization metadata of an incoming RPC.
func (a bearerAuth) checkContext(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	if err := a.checkHeader(header); err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}

// healthMethodPrefix covers Check and Watch of the standard health service.
const healthMethodPrefix = "/grpc.health.v1.Health/"

func (a bearerAuth) exemptRPC(method string) bool {
	return !a.enabled() || strings.HasPrefix(method, healthMethodPrefix)
}

// AuthInterceptor requires "authorization: Bearer <token>" metadata on every
// unary RPC except health checks. An empty token disables the check.
func AuthInterceptor(token string) grpc.UnaryServerInterceptor {
	auth := bearerAuth{token: []byte(token)}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !auth.exemptRPC(info.FullMethod) {
			if err := auth.checkContext(ctx); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is AuthInterceptor for streaming RPCs such as
// reflection and health Watch.
func StreamAuthInterceptor(token string) grpc.StreamServerInterceptor {
	auth := bearerAuth{token: []byte(token)}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !auth.exemptRPC(info.FullMethod) {
			if err := auth.checkContext(ss.Context()); err != nil {
				return err
			}
		}
		return handler(srv, ss)
	}
}

// LoggingInterceptor logs each unary RPC with its duration. Failures are
// logged at error level.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{"method", info.FullMethod, "duration", time.Since(start)}
		if err != nil {
			logger.Error("rpc failed", append(attrs, "code", status.Code(err), "err", err)...)
		} else {
			logger.Debug("rpc completed", attrs...)
		}
		return resp, err
	}
}

// RecoveryInterceptor turns a panicking unary handler into codes.Internal.
func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer recoverRPC(logger, info.FullMethod, &err)
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor turns a panicking stream handler into
// codes.Internal.
func StreamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer recoverRPC(logger, info.FullMethod, &err)
		return handler(srv, ss)
	}
}

func recoverRPC(logger *slog.Logger, method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic in rpc handler", "method", method, "panic", r, "stack", string(debug.Stack()))
	*err = status.Error(codes.Internal, "internal server error")
}

// AuthMiddleware requires the bearer token on every HTTP request except GET
// of the dashboard page and /v1/health. Browsers cannot set headers on an
// EventSource, so an access_token query parameter is accepted instead.
// An empty token disables the check.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	auth := bearerAuth{token: []byte(token)}
	if !auth.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && (r.URL.Path == "/" || r.URL.Path == "/v1/health") {
			next.ServeHTTP(w, r)
			return
		}
		var err error
		if q := r.URL.Query().Get("access_token"); q != "" {
			err = auth.checkToken(q)
		} else {
			err = auth.checkHeader(r.Header.Get("Authorization"))
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
