package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-toolauth/auth"
	"github.com/ggoodman/mcp-toolauth/internal/logctx"
)

const maxToolInput = 64 << 10

var jsonMediaType = contenttype.NewMediaType("application/json")

var errBadInput = errors.New("invalid tool input")

// tool is a demo endpoint behind the gate. scopes are required on top of the
// verifier's policy.
type tool struct {
	scopes []string
	call   func(ctx context.Context, p *auth.Principal, input json.RawMessage) (any, error)
}

var demoTools = map[string]tool{
	"add":    {scopes: []string{"tools:add"}, call: addTool},
	"whoami": {call: whoamiTool},
}

// devScopes is every scope a locally minted token needs to call any tool.
func devScopes(required []string) []string {
	set := map[string]struct{}{}
	for _, s := range required {
		set[s] = struct{}{}
	}
	for _, t := range demoTools {
		for _, s := range t.scopes {
			set[s] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

type addInput struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

func addTool(_ context.Context, _ *auth.Principal, input json.RawMessage) (any, error) {
	var in addInput
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadInput, err)
	}
	if in.A == nil || in.B == nil {
		return nil, fmt.Errorf("%w: a and b are required", errBadInput)
	}
	sum := *in.A + *in.B
	if math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: sum overflows", errBadInput)
	}
	return map[string]float64{"result": sum}, nil
}

func whoamiTool(_ context.Context, p *auth.Principal, _ json.RawMessage) (any, error) {
	return map[string]any{
		"sub":        p.Subject(),
		"iss":        p.Issuer(),
		"scopes":     p.Scopes(),
		"expires_at": p.ExpiresAt().UTC().Format(time.RFC3339),
	}, nil
}

func (s *server) toolsHandler() http.Handler {
	mux := http.NewServeMux()
	for name, t := range demoTools {
		var h http.Handler = s.toolHandler(name, t)
		if len(t.scopes) > 0 {
			h = s.gate.RequireScopes(t.scopes...)(h)
		}
		mux.Handle("POST "+toolsPrefix+name, h)
	}
	mux.HandleFunc("POST "+toolsPrefix+"{name}", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown tool %q", r.PathValue("name")))
	})
	return mux
}

func (s *server) toolHandler(name string, t tool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithToolCallData(r.Context(), &logctx.ToolCallData{ToolName: name})

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			s.log.WarnContext(ctx, "content_type.unsupported")
			return
		}

		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolInput))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "input too large")
			return
		}

		start := time.Now()
		out, err := t.call(ctx, p, body)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errBadInput) {
				status = http.StatusBadRequest
			}
			s.log.InfoContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
			writeJSONError(w, status, err.Error())
			return
		}
		s.log.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", time.Since(start)))

		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(out)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
