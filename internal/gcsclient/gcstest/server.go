// Package gcstest provides an in-memory fake of the subset of the Cloud
// Storage JSON API used by gcsclient, served over httptest.
package gcstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Object is a stored object
type Object struct {
	Name    string
	Data    []byte
	Updated time.Time
}

// RecordedRequest captures what the server received
type RecordedRequest struct {
	Method        string
	EscapedPath   string
	RawQuery      string
	Authorization string
	ContentType   string
	ContentLength int64
	Body          []byte
}

type failure struct {
	status int
	body   string
}

// Server is a fake JSON API for a single bucket
type Server struct {
	*httptest.Server

	bucket string

	mu            sync.Mutex
	objects       map[string]*Object
	sizeOverrides map[string]string
	accepted      map[string]bool
	failures      []failure
	pageSize      int
	requests      []RecordedRequest
}

// NewServer starts a fake server for bucket. Close it when done.
func NewServer(bucket string) *Server {
	s := &Server{
		bucket:        bucket,
		objects:       make(map[string]*Object),
		sizeOverrides: make(map[string]string),
		accepted:      make(map[string]bool),
		pageSize:      1000,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// PutObject stores an object directly
func (s *Server) PutObject(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(name, data)
}

func (s *Server) store(name string, data []byte) *Object {
	objData := make([]byte, len(data))
	copy(objData, data)
	obj := &Object{Name: name, Data: objData, Updated: time.Now().UTC()}
	s.objects[name] = obj
	return obj
}

// Object returns a copy of the stored data for name
func (s *Server) Object(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, false
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return data, true
}

// Names returns all stored object names in order
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedNames()
}

func (s *Server) sortedNames() []string {
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OverrideSize makes records for name report size verbatim
func (s *Server) OverrideSize(name, size string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizeOverrides[name] = size
}

// AcceptTokens restricts the Authorization headers the server accepts.
// Without a call any non-empty header is accepted.
func (s *Server) AcceptTokens(headers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = make(map[string]bool)
	for _, h := range headers {
		s.accepted[h] = true
	}
}

// FailNext queues a response with status and body for the next request
func (s *Server) FailNext(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{status: status, body: body})
}

// SetPageSize limits listing pages
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// Requests returns the requests received so far
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, RecordedRequest{
		Method:        r.Method,
		EscapedPath:   r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		Body:          body,
	})

	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	auth := r.Header.Get("Authorization")
	if auth == "" || (len(s.accepted) > 0 && !s.accepted[auth]) {
		writeError(w, http.StatusUnauthorized, "Invalid Credentials")
		return
	}

	path := r.URL.EscapedPath()
	uploadPrefix := "/upload/storage/v1/b/" + s.bucket + "/o"
	objectPrefix := "/storage/v1/b/" + s.bucket + "/o"
	switch {
	case path == uploadPrefix && r.Method == http.MethodPost:
		s.handleUpload(w, r, body)
	case path == objectPrefix && r.Method == http.MethodGet:
		s.handleList(w, r)
	case strings.HasPrefix(path, objectPrefix+"/"):
		s.handleObject(w, r, strings.TrimPrefix(path, objectPrefix+"/"))
	default:
		writeError(w, http.StatusNotFound, "Not Found")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, body []byte) {
	query := r.URL.Query()
	if query.Get("uploadType") != "media" {
		writeError(w, http.StatusBadRequest, "unsupported uploadType")
		return
	}
	name := query.Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Required parameter: name")
		return
	}
	obj := s.store(name, body)
	s.writeItem(w, obj)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, escaped string) {
	copyMarker := "/copyTo/b/" + s.bucket + "/o/"
	if idx := strings.Index(escaped, copyMarker); idx >= 0 && r.Method == http.MethodPost {
		src, err1 := url.PathUnescape(escaped[:idx])
		dst, err2 := url.PathUnescape(escaped[idx+len(copyMarker):])
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "invalid object name")
			return
		}
		obj, ok := s.objects[src]
		if !ok {
			writeError(w, http.StatusNotFound, "No such object: "+s.bucket+"/"+src)
			return
		}
		s.writeItem(w, s.store(dst, obj.Data))
		return
	}

	name, err := url.PathUnescape(escaped)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid object name")
		return
	}
	obj, ok := s.objects[name]
	if !ok {
		writeError(w, http.StatusNotFound, "No such object: "+s.bucket+"/"+name)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("alt") == "media" {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(obj.Data)
			return
		}
		s.writeItem(w, obj)
	case http.MethodDelete:
		delete(s.objects, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type listEntry struct {
	name   string
	prefix bool
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")

	var entries []listEntry
	seen := make(map[string]bool)
	for _, name := range s.sortedNames() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				p := prefix + rest[:idx+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					entries = append(entries, listEntry{name: p, prefix: true})
				}
				continue
			}
		}
		entries = append(entries, listEntry{name: name})
	}

	limit := s.pageSize
	if max, err := strconv.Atoi(query.Get("maxResults")); err == nil && max > 0 && max < limit {
		limit = max
	}
	start := 0
	if tok := query.Get("pageToken"); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n > len(entries) {
			writeError(w, http.StatusBadRequest, "invalid pageToken")
			return
		}
		start = n
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}

	resp := map[string]any{"kind": "storage#objects"}
	var items []map[string]string
	var prefixes []string
	for _, e := range entries[start:end] {
		if e.prefix {
			prefixes = append(prefixes, e.name)
			continue
		}
		items = append(items, s.itemJSON(s.objects[e.name]))
	}
	if len(items) > 0 {
		resp["items"] = items
	}
	if len(prefixes) > 0 {
		resp["prefixes"] = prefixes
	}
	if end < len(entries) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) itemJSON(obj *Object) map[string]string {
	size, ok := s.sizeOverrides[obj.Name]
	if !ok {
		size = strconv.Itoa(len(obj.Data))
	}
	return map[string]string{
		"kind":    "storage#object",
		"bucket":  s.bucket,
		"name":    obj.Name,
		"size":    size,
		"updated": obj.Updated.Format(time.RFC3339Nano),
	}
}

func (s *Server) writeItem(w http.ResponseWriter, obj *Object) {
	writeJSON(w, http.StatusOK, s.itemJSON(obj))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
		},
	})
}

// String describes the server for test logs
func (s *Server) String() string {
	return fmt.Sprintf("gcstest(%s, %s)", s.bucket, s.URL)
}
