package vitalsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// adminLedger is the slice of the Ledger the admin surface reads.
type adminLedger interface {
	Stats(ctx context.Context) (*Stats, error)
	FindFailedSyncs(ctx context.Context, partner Partner, dataType DataType) ([]*SyncRecord, error)
}

// enqueuer is the slice of the Queue the admin surface writes to.
type enqueuer interface {
	Enqueue(ctx context.Context, jobType DataType, payload json.RawMessage, actorID, userHash string) (string, error)
}

// AdminDeps wires the operational HTTP surface.
type AdminDeps struct {
	Ledger  adminLedger
	Queue   enqueuer
	Elector leadership
	Records RecordSource
	Logger  *slog.Logger
}

// NewAdminRouter builds the operator API: sync statistics, failed-sync
// listing, and explicit re-triggering of failed replications. This is the
// only path that resumes a job whose attempt budget was exhausted.
func NewAdminRouter(deps AdminDeps) http.Handler {
	var r = chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"leader": deps.Elector.IsLeader(),
		})
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := deps.Ledger.Stats(req.Context())
			if err != nil {
				deps.Logger.Error("failed to read sync stats", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to read sync stats")
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Get("/failures", func(w http.ResponseWriter, req *http.Request) {
			partner, dataType, ok := parseFilter(w, req)
			if !ok {
				return
			}

			var views []failureView
			for _, p := range partnerFilter(partner) {
				records, err := deps.Ledger.FindFailedSyncs(req.Context(), p, dataType)
				if err != nil {
					deps.Logger.Error("failed to list failed syncs", "error", err)
					writeError(w, http.StatusInternalServerError, "failed to list failed syncs")
					return
				}
				views = append(views, failureViews(records, p)...)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"count":   len(views),
				"records": views,
			})
		})

		r.Post("/resync", func(w http.ResponseWriter, req *http.Request) {
			partner, dataType, ok := parseFilter(w, req)
			if !ok {
				return
			}

			// A record can fail both partners; one job replays the whole
			// pipeline, so enqueue each record at most once.
			var (
				seen     = make(map[string]bool)
				matched  int
				enqueued []string
			)
			for _, p := range partnerFilter(partner) {
				records, err := deps.Ledger.FindFailedSyncs(req.Context(), p, dataType)
				if err != nil {
					deps.Logger.Error("failed to list failed syncs", "error", err)
					writeError(w, http.StatusInternalServerError, "failed to list failed syncs")
					return
				}

				for _, record := range records {
					var key = fmt.Sprintf("%s/%s/%s", record.UserHash, record.DataType, record.DataID)
					if seen[key] {
						continue
					}
					seen[key] = true
					matched++

					sourced, err := deps.Records.Fetch(req.Context(), record.UserHash, record.DataType, record.DataID)
					if err != nil {
						deps.Logger.Error("failed to fetch record for resync",
							"user_hash", record.UserHash,
							"data_id", record.DataID,
							"error", err)
						continue
					}

					payload, err := json.Marshal(sourced.Payload)
					if err != nil {
						deps.Logger.Error("failed to encode resync payload", "data_id", record.DataID, "error", err)
						continue
					}

					jobID, err := deps.Queue.Enqueue(req.Context(), record.DataType, payload, sourced.ActorID, record.UserHash)
					if err != nil {
						deps.Logger.Error("failed to enqueue resync job", "data_id", record.DataID, "error", err)
						continue
					}
					enqueued = append(enqueued, jobID)
				}
			}

			writeJSON(w, http.StatusAccepted, map[string]any{
				"matched":  matched,
				"enqueued": enqueued,
			})
		})
	})

	return r
}

// parseFilter validates the partner and data_type query parameters. Both are
// optional; an empty partner means "either partner".
func parseFilter(w http.ResponseWriter, req *http.Request) (Partner, DataType, bool) {
	var partner = Partner(req.URL.Query().Get("partner"))
	switch partner {
	case PartnerStorage, PartnerRegistry, "":
	default:
		writeError(w, http.StatusBadRequest, "unknown partner")
		return "", "", false
	}

	var dataType = DataType(req.URL.Query().Get("data_type"))
	switch dataType {
	case DataTypeHealth, DataTypeCheckin, "":
	default:
		writeError(w, http.StatusBadRequest, "unknown data type")
		return "", "", false
	}

	return partner, dataType, true
}

// partnerFilter expands an empty partner to both configured partners.
func partnerFilter(partner Partner) []Partner {
	if partner == "" {
		return []Partner{PartnerStorage, PartnerRegistry}
	}
	return []Partner{partner}
}

// failureView is the operator-facing shape of one failed sync.
type failureView struct {
	Partner   Partner         `json:"partner"`
	UserHash  string          `json:"user_hash"`
	DataType  DataType        `json:"data_type"`
	DataID    string          `json:"data_id"`
	Error     *string         `json:"error,omitempty"`
	RetryData json.RawMessage `json:"retry_data,omitempty"`
	UpdatedAt string          `json:"updated_at"`
}

func failureViews(records []*SyncRecord, partner Partner) []failureView {
	var views = make([]failureView, len(records))
	for i, record := range records {
		state, _ := record.Partner(partner)
		views[i] = failureView{
			Partner:   partner,
			UserHash:  record.UserHash,
			DataType:  record.DataType,
			DataID:    record.DataID,
			Error:     state.Error,
			RetryData: state.RetryData,
			UpdatedAt: record.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
