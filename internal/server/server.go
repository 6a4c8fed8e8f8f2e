package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"hiveline/internal/domain"
	"hiveline/internal/repo"
	"hiveline/internal/sim"
)

// Config for the HTTP API handler.
type Config struct {
	Runner   sim.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"simulation not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"sim_id\":\"eindhoven-2024\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the simulation status API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Hiveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSimulations(group, cfg.Runner)
	registerJobs(group, cfg.Runner)
	registerResults(group, cfg.Runner)
	registerEvents(group, cfg.Runner)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	var (
		spec []byte
		once sync.Once
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
    <title>Hiveline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type simPath struct {
	SimID string `path:"sim_id"`
}

func registerSimulations(api huma.API, r sim.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "list-simulations",
		Method:      http.MethodGet,
		Path:        "/simulations",
		Summary:     "List simulations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SimulationResponse `json:"body"`
	}, error) {
		items, err := r.Repo.ListSimulations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SimulationResponse, 0, len(items))
		for _, s := range items {
			out = append(out, simulationResponse(s))
		}
		return &struct {
			Body []SimulationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-simulation",
		Method:      http.MethodGet,
		Path:        "/simulations/{sim_id}",
		Summary:     "Simulation status with routing progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *simPath) (*struct {
		Body SimulationStatusResponse `json:"body"`
	}, error) {
		s, err := r.Repo.GetSimulation(ctx, input.SimID)
		if err != nil {
			return nil, handleError(err)
		}
		commuters, err := r.Repo.CountCommuters(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		results, err := r.Repo.CountRouteResults(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := r.JobCounts(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		jobCounts := make(map[string]int, len(counts))
		for status, n := range counts {
			jobCounts[string(status)] = n
		}
		return &struct {
			Body SimulationStatusResponse `json:"body"`
		}{Body: SimulationStatusResponse{
			Simulation: simulationResponse(s),
			Commuters:  commuters,
			Results:    results,
			JobCounts:  jobCounts,
		}}, nil
	})
}

func registerJobs(api huma.API, r sim.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "reset-jobs",
		Method:      http.MethodPost,
		Path:        "/simulations/{sim_id}/jobs/reset",
		Summary:     "Put routing jobs back to pending",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SimID string `path:"sim_id"`
		Body  ResetJobsRequest
	}) (*struct {
		Body ResetJobsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermResetJobs); err != nil {
			return nil, handleError(err)
		}
		if _, err := r.Repo.GetSimulation(ctx, input.SimID); err != nil {
			return nil, handleError(err)
		}
		scope := input.Body.Scope
		if scope == "" {
			scope = sim.ResetAll
		}
		n, err := r.ResetJobs(ctx, input.SimID, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetJobsResponse `json:"body"`
		}{Body: ResetJobsResponse{Scope: scope, Reset: n}}, nil
	})
}

func registerResults(api huma.API, r sim.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "get-route-result",
		Method:      http.MethodGet,
		Path:        "/simulations/{sim_id}/results/{vc_id}",
		Summary:     "Routing result of one commuter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SimID string `path:"sim_id"`
		VCID  string `path:"vc_id"`
	}) (*struct {
		Body domain.RouteResult `json:"body"`
	}, error) {
		res, err := r.Repo.GetRouteResult(ctx, input.SimID, input.VCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-equilibrium",
		Method:      http.MethodGet,
		Path:        "/simulations/{sim_id}/equilibrium",
		Summary:     "Latest equilibrium run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *simPath) (*struct {
		Body EquilibriumRunResponse `json:"body"`
	}, error) {
		run, err := r.Repo.LatestEquilibriumRun(ctx, input.SimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquilibriumRunResponse `json:"body"`
		}{Body: equilibriumRunResponse(run)}, nil
	})
}

func registerEvents(api huma.API, r sim.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/simulations/{sim_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SimID  string `path:"sim_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.Repo.LatestEvents(ctx, limit+1, cursorID, input.SimID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
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
