package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rampline/internal/domain"
	"rampline/internal/engine"
	"rampline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid run status transition DRAFT -> REVIEW for RUN-001"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rampline API.
func New(cfg Config) (http.Handler, error) {
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
	hcfg := huma.DefaultConfig("Rampline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerAnimals(group, cfg.Engine)
	registerExports(group, cfg.Engine)
	registerProofs(group, cfg.Engine)
	registerPICs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var ite domain.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"run_id": ite.RunID, "from": ite.From, "to": ite.To,
		})
	}
	var ace domain.AlreadyConfirmedError
	if errors.As(err, &ace) {
		return newAPIError(http.StatusConflict, "already_confirmed", err.Error(), map[string]any{"run_id": ace.RunID})
	}
	var use domain.UnresolvedSiteError
	if errors.As(err, &use) {
		return newAPIError(http.StatusUnprocessableEntity, "unresolved_site", err.Error(), map[string]any{"site_id": use.SiteID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Rampline API Docs</title>
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

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if input.Body.SiteID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "site_id is required", nil)
		}
		if input.Body.RunType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_type is required", nil)
		}
		opts := engine.CreateRunOptions{
			SiteID:  input.Body.SiteID,
			RunType: input.Body.RunType,
		}
		if input.Body.RunID != nil {
			opts.RunID = *input.Body.RunID
		}
		if input.Body.Metadata != nil {
			opts.Metadata = *input.Body.Metadata
		}
		run, err := e.CreateRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"DRAFT,CAPTURING,PROCESSING,REVIEW,CONFIRMED"`
		RunType string `query:"run_type" enum:"INCOMING,OUTGOING"`
		SiteID  string `query:"site_id"`
		Limit   int    `query:"limit" minimum:"1" maximum:"200"`
		Offset  int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		runs, total, err := e.ListRuns(ctx, repo.RunFilters{
			Status:  input.Status,
			RunType: input.RunType,
			SiteID:  input.SiteID,
			Limit:   input.Limit,
			Offset:  input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Runs: runs, Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.RunView `json:"body"`
	}, error) {
		view, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunView `json:"body"`
		}{Body: view}, nil
	})

	type runPath struct {
		RunID string `path:"run_id"`
	}
	transitions := []struct {
		id      string
		path    string
		summary string
		fn      func(context.Context, string) (domain.Run, error)
	}{
		{"start-capture", "/runs/{run_id}/capture", "Start capture", e.StartCapture},
		{"start-processing", "/runs/{run_id}/process", "Start processing", e.StartProcessing},
	}
	for _, t := range transitions {
		fn := t.fn
		huma.Register(api, huma.Operation{
			OperationID: t.id,
			Method:      http.MethodPost,
			Path:        t.path,
			Summary:     t.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *runPath) (*struct {
			Body domain.Run `json:"body"`
		}, error) {
			run, err := fn(ctx, input.RunID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Run `json:"body"`
			}{Body: run}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-detections",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/detections",
		Summary:     "Record detections",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string                  `path:"run_id"`
		Body  RecordDetectionsRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		detections := make([]engine.Detection, 0, len(input.Body.Detections))
		for _, d := range input.Body.Detections {
			detections = append(detections, engine.Detection{
				TempRef:         d.TempRef,
				AnimalID:        d.AnimalID,
				ThumbnailURL:    d.ThumbnailURL,
				MediaHash:       d.MediaHash,
				LamenessScore:   d.LamenessScore,
				LamenessClass:   d.LamenessClass,
				ConditionScore:  d.ConditionScore,
				TickIndex:       d.TickIndex,
				ModelConfidence: d.ModelConfidence,
			})
		}
		run, err := e.RecordDetections(ctx, input.RunID, detections)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/confirm",
		Summary:     "Confirm run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.ConfirmResult `json:"body"`
	}, error) {
		result, err := e.ConfirmRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConfirmResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerAnimals(api huma.API, e engine.Engine) {
	type animalPath struct {
		RunID   string `path:"run_id"`
		TempRef string `path:"temp_ref"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "exclude-animal",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/animals/{temp_ref}/exclude",
		Summary:     "Exclude animal from run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID   string               `path:"run_id"`
		TempRef string               `path:"temp_ref"`
		Body    ExcludeAnimalRequest `json:"body"`
	}) (*struct {
		Body domain.Animal `json:"body"`
	}, error) {
		a, err := e.Review.Exclude(ctx, input.RunID, input.TempRef, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Animal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "include-animal",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/animals/{temp_ref}/include",
		Summary:     "Re-include animal in run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *animalPath) (*struct {
		Body domain.Animal `json:"body"`
	}, error) {
		a, err := e.Review.Include(ctx, input.RunID, input.TempRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Animal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "identify-animal",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/animals/{temp_ref}/identify",
		Summary:     "Attach NLIS tag to animal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID   string                `path:"run_id"`
		TempRef string                `path:"temp_ref"`
		Body    IdentifyAnimalRequest `json:"body"`
	}) (*struct {
		Body domain.Animal `json:"body"`
	}, error) {
		if input.Body.NlisID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "nlis_id is required", nil)
		}
		a, err := e.Review.SetNlisID(ctx, input.RunID, input.TempRef, input.Body.NlisID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Animal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-animals",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/animals/{temp_ref}/merge",
		Summary:     "Merge duplicate detection into animal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID   string              `path:"run_id"`
		TempRef string              `path:"temp_ref"`
		Body    MergeAnimalsRequest `json:"body"`
	}) (*struct {
		Body domain.Animal `json:"body"`
	}, error) {
		if input.Body.DuplicateRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "duplicate_ref is required", nil)
		}
		a, err := e.Review.Merge(ctx, input.RunID, input.TempRef, input.Body.DuplicateRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Animal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "animal-history",
		Method:      http.MethodGet,
		Path:        "/animals/{ref}/history",
		Summary:     "Cross-run history for an animal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body engine.History `json:"body"`
	}, error) {
		h, err := e.AnimalHistory(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.History `json:"body"`
		}{Body: h}, nil
	})
}

func registerExports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run-export",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/export",
		Summary:     "Get NLIS export record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.NlisExport `json:"body"`
	}, error) {
		export, err := e.GetExport(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.NlisExport `json:"body"`
		}{Body: export}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-export-upload-status",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/export/upload-status",
		Summary:     "Record the NLIS upload outcome for an export",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  SetUploadStatusRequest
	}) (*struct {
		Body domain.NlisExport `json:"body"`
	}, error) {
		export, err := e.MarkExportUploaded(ctx, input.RunID, input.Body.UploadStatus)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.NlisExport `json:"body"`
		}{Body: export}, nil
	})
}

func registerProofs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "proof-state",
		Method:      http.MethodGet,
		Path:        "/proofs/{entity_id}",
		Summary:     "Proof state for an entity",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body domain.Proof `json:"body"`
	}, error) {
		p, err := e.Proofs.State(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proof `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-commitment",
		Method:      http.MethodPost,
		Path:        "/commitments/{commitment_id}/confirm",
		Summary:     "Mark commitment confirmed",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommitmentID string                    `path:"commitment_id"`
		Body         MarkProofConfirmedRequest `json:"body"`
	}) (*struct {
		Body domain.Commitment `json:"body"`
	}, error) {
		if input.Body.TxHash == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tx_hash is required", nil)
		}
		c, err := e.Proofs.MarkConfirmed(ctx, input.CommitmentID, input.Body.TxHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commitment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-commitment",
		Method:      http.MethodPost,
		Path:        "/commitments/{commitment_id}/fail",
		Summary:     "Mark commitment failed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommitmentID string `path:"commitment_id"`
	}) (*struct {
		Body domain.Commitment `json:"body"`
	}, error) {
		c, err := e.Proofs.MarkFailed(ctx, input.CommitmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commitment `json:"body"`
		}{Body: c}, nil
	})
}

func registerPICs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-pics",
		Method:      http.MethodGet,
		Path:        "/pics",
		Summary:     "Search the PIC registry",
	}, func(ctx context.Context, input *struct {
		Query        string `query:"q"`
		Jurisdiction string `query:"jurisdiction"`
		Limit        int    `query:"limit" minimum:"1" maximum:"100"`
	}) (*struct {
		Body PICSearchResponse `json:"body"`
	}, error) {
		results, err := e.PICs.Search(ctx, input.Query, input.Jurisdiction, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []domain.PICRecord{}
		}
		return &struct {
			Body PICSearchResponse `json:"body"`
		}{Body: PICSearchResponse{Results: results}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pic",
		Method:      http.MethodGet,
		Path:        "/pics/{pic_code}",
		Summary:     "Get PIC details",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PICCode string `path:"pic_code"`
	}) (*struct {
		Body domain.PICRecord `json:"body"`
	}, error) {
		rec, err := e.PICs.Details(ctx, input.PICCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PICRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-site",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/pic",
		Summary:     "Resolve a site to its PIC",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		code, err := e.PICs.Resolve(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"site_id": input.SiteID, "pic": code}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Kind       string `query:"kind"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.Kind, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: events}}, nil
	})
}
