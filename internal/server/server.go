package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gigline/internal/engine"
	"gigline/internal/ledger"
	"gigline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"gig cannot be accepted from status completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gigline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Gigline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGigs(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"gig_id": ise.GigID,
			"status": ise.Status,
		})
	}
	var invErr *ledger.InvocationError
	if errors.As(err, &invErr) {
		return newAPIError(http.StatusInternalServerError, "invocation_failed", err.Error(), map[string]any{
			"function": invErr.Function,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gigline API Docs</title>
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

func registerGigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Post a gig",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGigRequest `json:"body"`
	}) (*struct {
		Body CreateGigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		client := ""
		if input.Body.ClientAddress != nil {
			client = strings.TrimSpace(*input.Body.ClientAddress)
		}
		if client == "" {
			client = addressFromContext(ctx)
		}
		worker := ""
		if input.Body.WorkerAddress != nil {
			worker = strings.TrimSpace(*input.Body.WorkerAddress)
		}
		res, err := e.CreateGig(ctx, engine.GigCreateOptions{
			Title:         strings.TrimSpace(input.Body.Title),
			Description:   strings.TrimSpace(input.Body.Description),
			PaymentAmount: input.Body.PaymentAmount,
			ClientAddress: client,
			WorkerAddress: worker,
			ActorID:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateGigResponse `json:"body"`
		}{Body: createGigResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs",
		Summary:     "List gigs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in-progress,completed"`
		Limit  int    `query:"limit" minimum:"1" maximum:"200"`
		Cursor string `query:"cursor"`
	}) (*struct {
		NextCursor string        `header:"X-Next-Cursor"`
		Body       []GigResponse `json:"body"`
	}, error) {
		var cursorSeq int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorSeq = parsed
		}
		// The full sorted scan is the default; limit and cursor are opt-in.
		fetch := 0
		if input.Limit > 0 {
			fetch = input.Limit + 1
		}
		items, err := e.ListGigs(ctx, repo.GigFilters{
			Status:    input.Status,
			Limit:     fetch,
			CursorSeq: cursorSeq,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			NextCursor string        `header:"X-Next-Cursor"`
			Body       []GigResponse `json:"body"`
		}{Body: []GigResponse{}}
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[:input.Limit]
			out.NextCursor = strconv.FormatInt(items[input.Limit-1].Seq, 10)
		}
		out.Body = mapGigs(items)
		return out, nil
	})

	// Registered before the {gig_id} route so the literal segment wins.
	huma.Register(api, huma.Operation{
		OperationID: "my-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs/my-gigs",
		Summary:     "Gigs posted or accepted by an address",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `query:"address"`
	}) (*struct {
		Body MyGigsResponse `json:"body"`
	}, error) {
		address := strings.TrimSpace(input.Address)
		if address == "" {
			address = addressFromContext(ctx)
		}
		mine, err := e.ListMine(ctx, address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MyGigsResponse `json:"body"`
		}{Body: myGigsResponse(mine)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{gig_id}",
		Summary:     "Get a gig",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gig_id"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		g, err := e.GetGig(ctx, input.GigID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-gig",
		Method:      http.MethodPost,
		Path:        "/gigs/{gig_id}/accept",
		Summary:     "Accept an open gig",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GigID string           `path:"gig_id"`
		Body  AcceptGigRequest `json:"body"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		worker := strings.TrimSpace(input.Body.WorkerAddress)
		if worker == "" {
			worker = addressFromContext(ctx)
		}
		g, err := e.AcceptGig(ctx, input.GigID, worker, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-gig",
		Method:      http.MethodPost,
		Path:        "/gigs/{gig_id}/complete",
		Summary:     "Complete an in-progress gig",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		GigID string             `path:"gig_id"`
		Body  CompleteGigRequest `json:"body"`
	}) (*struct {
		Body CompleteGigResponse `json:"body"`
	}, error) {
		caller := ""
		if input.Body.CallerAddress != nil {
			caller = strings.TrimSpace(*input.Body.CallerAddress)
		}
		if caller == "" {
			caller = addressFromContext(ctx)
		}
		source := ""
		if input.Body.SourceSecret != nil {
			source = strings.TrimSpace(*input.Body.SourceSecret)
		}
		g, err := e.CompleteGig(ctx, engine.GigCompleteOptions{
			GigID:        input.GigID,
			Caller:       caller,
			SourceSecret: source,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteGigResponse `json:"body"`
		}{Body: completeGigResponse(g)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{address}",
		Summary:     "User profile, registered on first lookup",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.GetOrCreateUser(ctx, input.Address, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/users/{address}/reputation",
		Summary:     "Reputation score for a registered address",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body ReputationResponse `json:"body"`
	}, error) {
		rep, err := e.Reputation(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReputationResponse `json:"body"`
		}{Body: ReputationResponse{Address: input.Address, Reputation: rep}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"200"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
