package coordinator

import (
	"encoding/json"
	"io"
	"net/http"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts /debug/session (live progress as JSON) and
// /debug/session/stop on mux. These routes are accessible only over
// localhost.
func (c *Coordinator) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("session", "acquisition session progress", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Progress()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("session/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		c.Stop()
		io.WriteString(w, "stop requested\n")
	})
}
