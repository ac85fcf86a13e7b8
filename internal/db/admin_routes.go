package db

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mesofield/internal/monitoring"
)

// AttachAdminRoutes mounts the ledger debug routes on mux: a tailsql
// console at /debug/tailsql/ and JSON session listings at /debug/sessions.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return err
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Session ledger",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	// ?id=<session> returns one session, otherwise the newest ?limit=N.
	debug.HandleFunc("sessions", "recorded acquisition sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body any
		if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
			s, err := db.Session(id)
			if errors.Is(err, ErrNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			body = s
		} else {
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					http.Error(w, "Invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			sessions, err := db.Sessions(limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if sessions == nil {
				sessions = []Session{}
			}
			body = sessions
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			monitoring.Logf("failed to encode sessions: %v", err)
		}
	})
	return nil
}
