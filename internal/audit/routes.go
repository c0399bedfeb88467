package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// QueryResult is the paginated response for trail queries.
type QueryResult struct {
	Entries    []Entry   `json:"entries"`
	Total      int       `json:"total"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RegisterRoutes adds the trail query endpoints to the router.
func RegisterRoutes(router *mux.Router, trail *Trail) {
	router.HandleFunc("/api/v1/audit/entries", handleFind(trail)).Methods("GET")
	router.HandleFunc("/api/v1/audit/entries/{subject}", handleSubject(trail)).Methods("GET")
	router.HandleFunc("/api/v1/audit/verify", handleVerify(trail)).Methods("GET")
	router.HandleFunc("/api/v1/audit/stats", handleStats(trail)).Methods("GET")
}

// GET /api/v1/audit/entries?category=FRAUD_DETECTION&subject=w-1&since=...&until=...&limit=50&offset=0
func handleFind(trail *Trail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 100 {
			limit = 50
		}
		offset, _ := strconv.Atoi(q.Get("offset"))
		if offset < 0 {
			offset = 0
		}

		query := Query{
			Category: Category(q.Get("category")),
			Subject:  q.Get("subject"),
			Limit:    limit,
			Offset:   offset,
		}
		if since := q.Get("since"); since != "" {
			if t, err := time.Parse(time.RFC3339, since); err == nil {
				query.Since = t
			}
		}
		if until := q.Get("until"); until != "" {
			if t, err := time.Parse(time.RFC3339, until); err == nil {
				query.Until = t
			}
		}

		entries := trail.Find(query)
		writeJSON(w, QueryResult{
			Entries:    entries,
			Total:      len(entries),
			Limit:      limit,
			Offset:     offset,
			ExecutedAt: time.Now().UTC(),
		})
	}
}

// GET /api/v1/audit/entries/{subject}
func handleSubject(trail *Trail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := mux.Vars(r)["subject"]
		entries := trail.BySubject(subject, 50)
		if len(entries) == 0 {
			http.Error(w, `{"error":"no audit entries for subject"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, entries)
	}
}

// GET /api/v1/audit/verify — replays the chain
func handleVerify(trail *Trail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		valid, broken := trail.Verify()
		writeJSON(w, map[string]interface{}{
			"valid":        valid,
			"broken_index": broken,
			"entries":      trail.Len(),
			"verified_at":  time.Now().UTC(),
		})
	}
}

// GET /api/v1/audit/stats
func handleStats(trail *Trail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, trail.Stats())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
