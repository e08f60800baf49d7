package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/myrientdl/myrientdl/internal/catalog"
	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/engine"
	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/store"
)

// daemon bundles the engine with the store it was built on, since the
// engine's RPC surface doesn't expose raw row listing but /list needs it.
type daemon struct {
	engine *engine.Engine
	store  *store.Store
}

// buildDaemon opens the store, loads the catalog (falling back to an empty
// one if catalogPath doesn't exist) and wires an engine.Engine, mirroring
// the teacher's root.go startup sequence but against our own dependency
// set instead of a single download() function.
func buildDaemon(catalogPath string, observer events.Observer) (*daemon, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}

	st, err := store.Open(config.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cat, err := loadCatalog(catalogPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	rc, err := config.LoadRuntimeConfig()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}

	return &daemon{engine: engine.New(st, cat, observer, rc), store: st}, nil
}

func loadCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		return catalog.NewJSONCatalog(nil), nil
	}
	cat, err := catalog.LoadJSONCatalog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog.NewJSONCatalog(nil), nil
		}
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

// findAvailablePort tries successive ports starting at start until one binds.
func findAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

type downloadRequest struct {
	FileID            string `json:"file_id"`
	URL               string `json:"url,omitempty"`
	Title             string `json:"title,omitempty"`
	DownloadPath      string `json:"download_path"`
	PreserveStructure bool   `json:"preserve_structure"`
	ForceOverwrite    bool   `json:"force_overwrite"`
}

type downloadResponse struct {
	ID string `json:"id"`
}

type idRequest struct {
	ID string `json:"id"`
}

type cleanHistoryRequest struct {
	DaysOld int `json:"days_old"`
}

type cleanHistoryResponse struct {
	Count int `json:"count"`
}

// startControlServer wires every RPC method onto its own endpoint and
// serves it on ln. Grounded on the teacher's cmd/root.go startHTTPServer
// (mux of JSON POST handlers over a pre-bound listener), generalized from
// the single /download endpoint to the full control API surface.
func startControlServer(ln net.Listener, d *daemon) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var id string
		var err error
		if req.URL != "" {
			id, err = d.engine.DownloadURL(req.URL, req.Title, req.DownloadPath, req.ForceOverwrite)
		} else {
			id, err = d.engine.Download(req.FileID, req.DownloadPath, req.PreserveStructure, req.ForceOverwrite)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, downloadResponse{ID: id})
	})

	mux.HandleFunc("/download-folder", func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		report, err := d.engine.DownloadFolder(req.FileID, req.DownloadPath, req.PreserveStructure, req.ForceOverwrite)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("/pause", idHandler(d.engine.Pause))
	mux.HandleFunc("/resume", idHandler(d.engine.Resume))
	mux.HandleFunc("/cancel", idHandler(d.engine.Cancel))
	mux.HandleFunc("/retry", idHandler(d.engine.Retry))
	mux.HandleFunc("/confirm", idHandler(d.engine.ConfirmOverwrite))
	mux.HandleFunc("/decline", idHandler(d.engine.DeclineOverwrite))
	mux.HandleFunc("/delete", idHandler(d.engine.Delete))

	mux.HandleFunc("/clean-history", func(w http.ResponseWriter, r *http.Request) {
		var req cleanHistoryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		count, err := d.engine.CleanHistory(req.DaysOld)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cleanHistoryResponse{Count: count})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.engine.GetDownloadStats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		downloads, err := d.store.LoadAll()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, downloads)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv
}

func idHandler(f func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := f(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
