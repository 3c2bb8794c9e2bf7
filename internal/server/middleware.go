package server

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/observability"
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerAdminKey       = "X-Admin-Key"
	headerReplayed       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// endpoint handles one route and returns the status code and value to
// encode as JSON.
type endpoint func(r *http.Request, params map[string]string) (int, interface{}, error)

type routeOpts struct {
	admin bool
	// idempotent wraps the route with the idempotency guard.
	idempotent bool
}

type api struct {
	deps    Deps
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (a *api) route(name string, opts routeOpts, ep endpoint) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		started := time.Now()
		code := a.serve(w, r, params, name, opts, ep)
		a.metrics.ObserveHTTP(name, code, started)
	}
}

func (a *api) serve(w http.ResponseWriter, r *http.Request, params map[string]string, name string, opts routeOpts, ep endpoint) int {
	if opts.admin && !a.authorized(r) {
		return a.writeError(w, name, status.Error(codes.PermissionDenied, "admin key required"))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return a.writeError(w, name, badRequest("read body"))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !opts.idempotent || a.deps.Guard == nil {
		code, v, err := ep(r, params)
		if err != nil {
			return a.writeError(w, name, err)
		}
		return writeJSON(w, code, v)
	}

	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		key = core.RequestKey(r.Method, r.URL.Path, body)
	}
	dec, err := a.deps.Guard.BeginOrReplay(r.Context(), key, core.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body))
	if err != nil {
		return a.writeError(w, name, err)
	}
	if dec.Kind == core.DecisionReplay {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(dec.StatusCode)
		w.Write(dec.Response)
		return dec.StatusCode
	}

	code, v, err := ep(r, params)
	if err != nil {
		// Failed keys may be retried with the same request.
		errCode := a.writeError(w, name, err)
		if failErr := a.deps.Guard.Fail(r.Context(), dec.Token, errCode); failErr != nil {
			a.logger.Warn().Err(failErr).Str("key", key).Msg("mark idempotency key failed")
		}
		return errCode
	}
	resp, err := json.Marshal(v)
	if err != nil {
		return a.writeError(w, name, err)
	}
	if err := a.deps.Guard.Complete(r.Context(), dec.Token, code, resp); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("complete idempotency key")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(resp)
	return code
}

func (a *api) authorized(r *http.Request) bool {
	if a.deps.AdminKey == "" {
		return true
	}
	got := r.Header.Get(headerAdminKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.deps.AdminKey)) == 1
}

func (a *api) writeError(w http.ResponseWriter, route string, err error) int {
	st := toStatus(err)
	code := httpStatus(st.Code())
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		a.logger.Error().Err(err).Str("route", route).Msg("request failed")
	}
	return writeJSON(w, code, errorBody{Error: st.Message(), Code: st.Code().String()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
	return code
}
