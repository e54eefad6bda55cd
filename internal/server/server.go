package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"foreman/internal/app"
	"foreman/internal/critpath"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
	"foreman/internal/statemachine"
)

// Runner starts orchestrator runs; *engine.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, opts engine.RunOptions) (engine.Result, error)
}

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Registry *app.Registry
	// Runner is optional; without it POST /sessions answers 501.
	Runner   Runner
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_resolved"`
	Message string         `json:"message" example:"gate request already resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"request_id\":\"5f0c\"}"`
}

// apiError is the error envelope of every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the foreman API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session registry required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, cfg.logger()))
	hcfg := huma.DefaultConfig("foreman API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerGates(group, cfg)
	registerSessions(group, cfg)
	registerCards(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": fe.Scope})
	}
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, app.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, app.ErrSessionExists):
		return newAPIError(http.StatusConflict, "session_running", err.Error(), nil)
	case errors.Is(err, app.ErrShutdown):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	case errors.Is(err, repo.ErrInvalidDecision), errors.Is(err, repo.ErrInvalidCard), errors.Is(err, engine.ErrNoEpic):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>foreman API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Scopes:  nonNilSlice(p.Scopes),
			Source:  p.Source,
		}}, nil
	})
}

func registerGates(api huma.API, cfg Config) {
	r := cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/gates",
		Summary:     "List gate requests",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		IssueID   string `query:"issue_id"`
		Status    string `query:"status" enum:"pending,resolved"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body GateList `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeGatesRead); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListRequests(ctx, repo.GateFilter{
			SessionID: input.SessionID,
			IssueID:   input.IssueID,
			Status:    domain.GateStatus(input.Status),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateList `json:"body"`
		}{Body: GateList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{request_id}",
		Summary:     "Get gate request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body domain.PendingGateRequest `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeGatesRead); err != nil {
			return nil, handleError(err)
		}
		g, err := r.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PendingGateRequest `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{request_id}/resolve",
		Summary:     "Resolve gate request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      ResolveGateRequest
	}) (*struct {
		Body domain.PendingGateRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireScope(ctx, ScopeGatesResolve); err != nil {
			return nil, handleError(err)
		}
		g, err := engine.ResolveGate(ctx, r, input.RequestID, input.Body.Decision, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.logger().Info("gate resolved", "request", g.RequestID, "decision", g.Decision, "actor", actorID)
		return &struct {
			Body domain.PendingGateRequest `json:"body"`
		}{Body: g}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	reg := cfg.Registry
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List runs of this process",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: SessionList{Items: reg.List()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body app.Session `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		s, ok := reg.Get(input.SessionID)
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", app.ErrSessionNotFound, input.SessionID))
		}
		return &struct {
			Body app.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a run over an epic",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusNotImplemented,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest
	}) (*struct {
		Body StartSessionResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessionsWrite); err != nil {
			return nil, handleError(err)
		}
		if cfg.Runner == nil {
			return nil, newAPIError(http.StatusNotImplemented, "not_implemented", "this server does not run epics", nil)
		}
		epic, err := cfg.Repo.GetCard(ctx, input.Body.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		if epic.Type != domain.CardEpic {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s is a %s, not an epic", epic.ID, epic.Type), nil)
		}
		opts := engine.RunOptions{
			SessionID:        ulid.Make().String(),
			EpicID:           epic.ID,
			IssueID:          input.Body.IssueID,
			MaxIterations:    input.Body.MaxIterations,
			ConcurrencyLimit: input.Body.Concurrency,
		}
		log := cfg.logger().With("session", opts.SessionID, "epic", epic.ID)
		go func() {
			// The registry owns cancellation; the request context ends with the response.
			if _, err := cfg.Runner.Run(context.Background(), opts); err != nil {
				log.Warn("run ended with error", "err", err)
			}
		}()
		return &struct {
			Body StartSessionResponse `json:"body"`
		}{Body: StartSessionResponse{SessionID: opts.SessionID, EpicID: epic.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Cancel a run",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireScope(ctx, ScopeSessionsWrite); err != nil {
			return nil, handleError(err)
		}
		if err := reg.Cancel(input.SessionID, fmt.Errorf("%w by %s", context.Canceled, actorID)); err != nil {
			return nil, handleError(err)
		}
		cfg.logger().Info("session cancel requested", "session", input.SessionID, "actor", actorID)
		return &struct{}{}, nil
	})
}

func registerCards(api huma.API, cfg Config) {
	r := cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeCardsRead); err != nil {
			return nil, handleError(err)
		}
		c, err := r.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epic-issues",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/issues",
		Summary:     "List the issues of an epic",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
		Status string `query:"status"`
	}) (*struct {
		Body CardList `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeCardsRead); err != nil {
			return nil, handleError(err)
		}
		issues, err := r.ListIssues(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Status != "" {
			st, ok := domain.ParseStatus(input.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
			}
			filtered := issues[:0]
			for _, is := range issues {
				if is.Status == st {
					filtered = append(filtered, is)
				}
			}
			issues = filtered
		}
		return &struct {
			Body CardList `json:"body"`
		}{Body: CardList{Items: nonNilSlice(issues)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "epic-queue",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/queue",
		Summary:     "Critical-path order of the ready issues",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeCardsRead); err != nil {
			return nil, handleError(err)
		}
		issues, err := r.ListIssues(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: QueueResponse{EpicID: input.EpicID, Items: nonNilSlice(critpath.Rank(issues))}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"card,gate,epic"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := cfg.Repo.LatestEvents(ctx, repo.EventFilter{
			SessionID:  input.SessionID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
