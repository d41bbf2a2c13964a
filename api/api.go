// Package api exposes the HTTP surface of the downloader: submitting jobs,
// polling progress, fetching finished files and managing the cookie jar.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Kvazar-213452/FastYt/cookies"
	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/processor"
	"github.com/Kvazar-213452/FastYt/registry"
)

// maxCookieUpload caps the accepted cookie file size.
const maxCookieUpload = 1 << 20

// mimeTypes maps the resolved output container to the Content-Type served
// on fetch.
var mimeTypes = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
}

type API struct {
	Server   *http.Server
	Registry *registry.Registry
	Store    filestore.Store
	Jar      *cookies.Jar
	Log      *log.Logger

	// Submit registers a job and spawns its worker.
	Submit func(j *job.Job) error
}

func New(reg *registry.Registry, store filestore.Store, jar *cookies.Jar,
	submit func(j *job.Job) error, host string, port int, logger *log.Logger) *API {

	as := &API{
		Registry: reg,
		Store:    store,
		Jar:      jar,
		Submit:   submit,
		Log:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/download", as.handleDownload)
	mux.HandleFunc("/progress/", as.handleProgress)
	mux.HandleFunc("/file/", as.handleFile)
	mux.HandleFunc("/upload-cookies", as.handleUploadCookies)
	mux.HandleFunc("/cookies/status", as.handleCookieStatus)
	mux.HandleFunc("/cookies", as.handleCookies)
	mux.HandleFunc("/", as.handleIndex)

	as.Server = &http.Server{Handler: mux, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

// handleDownload accepts a download request and spawns its worker. The
// reply carries the id used for all subsequent polling.
func (as *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := job.New(uuid.NewString(), req)
	if err := as.Submit(j); err != nil {
		if errors.Is(err, processor.ErrDiskSick) {
			jsonError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		as.Log.Printf("Error submitting job for %s: %s", req.URL, err)
		jsonError(w, http.StatusInternalServerError, "Could not start download")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":      j.ID,
		"message": "Download started",
	})
}

// handleProgress replies with the current snapshot of a job.
func (as *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/progress/")
	j, err := as.Registry.Get(id)
	if err != nil {
		jsonError(w, http.StatusNotFound, "Download not found")
		return
	}

	writeJSON(w, http.StatusOK, j.Snapshot())
}

// handleFile streams a finished artifact. Polling clients are told apart
// from broken ones: a job that is still running gets a 400, an unknown or
// retired one a 404.
func (as *API) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/file/")
	j, err := as.Registry.Get(id)
	if err != nil {
		jsonError(w, http.StatusNotFound, "Download not found")
		return
	}
	switch {
	case j.Removed:
		jsonError(w, http.StatusNotFound, "File has been removed")
		return
	case j.State != job.StateCompleted:
		jsonError(w, http.StatusBadRequest, "Download not completed yet")
		return
	}

	name := id + "." + j.OutputFormat
	if !as.Store.Exists(name) {
		jsonError(w, http.StatusNotFound, "File not found")
		return
	}

	ct, ok := mimeTypes[j.OutputFormat]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": j.DisplayName()}))
	http.ServeFile(w, r, as.Store.Path(name))
}

// handleIndex reports the service banner and registry counts.
func (as *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	active, completed, total := as.Registry.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "media downloader",
		"active":    active,
		"completed": completed,
		"total":     total,
	})
}

// handleUploadCookies replaces the cookie jar with an uploaded Netscape
// cookie file. Only .txt files are accepted.
func (as *API) handleUploadCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "No cookie file provided")
		return
	}
	defer f.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".txt") {
		jsonError(w, http.StatusBadRequest, "Cookie file must be a .txt file")
		return
	}
	if header.Size > maxCookieUpload {
		jsonError(w, http.StatusBadRequest,
			fmt.Sprintf("Cookie file larger than %d bytes", maxCookieUpload))
		return
	}

	if err := as.Jar.Save(f); err != nil {
		as.Log.Println("Error saving cookie file:", err)
		jsonError(w, http.StatusInternalServerError, "Could not save cookie file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Cookies uploaded"})
}

// handleCookies serves DELETE /cookies.
func (as *API) handleCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != "DELETE" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := as.Jar.Delete(); err != nil {
		as.Log.Println("Error deleting cookie file:", err)
		jsonError(w, http.StatusInternalServerError, "Could not delete cookie file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cookies deleted"})
}

func (as *API) handleCookieStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, as.Jar.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
