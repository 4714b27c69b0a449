package server

import (
	"errors"
	"io"
	"net/http"

	"webhooklog/internal/normalize"
)

const (
	bodyOK           = "OK\n"
	bodyBadMethod    = "Bad method\n"
	bodyUnauthorized = "401 Unauthorized\n"
	bodyTooLarge     = "Payload too large\n"
)

// HandleRequest runs the ingestion pipeline for one request. The first
// matching step decides the response:
//
//  1. health path: 200, nothing else happens
//  2. any method but POST: 400
//  3. failed authentication: 401
//  4. unreadable body: the connection is aborted
//  5. otherwise the body is normalized and appended to the sink: 200
//
// Step 5 answers 200 even when the JSON does not parse or the sink fails;
// both are only reported in the diagnostic log.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.HealthPath {
		s.respondText(w, http.StatusOK, bodyOK)
		return
	}

	if r.Method != http.MethodPost {
		s.respondText(w, http.StatusBadRequest, bodyBadMethod)
		return
	}

	if !Authenticate(r, s.Verifier, s.Logger) {
		s.respondText(w, http.StatusUnauthorized, bodyUnauthorized)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.Logger.Warn("Request body too large", "limit", tooLarge.Limit, "remote", r.RemoteAddr)
			s.respondText(w, http.StatusRequestEntityTooLarge, bodyTooLarge)
			return
		}
		s.Logger.Error("Failed to read request body", "error", err, "remote", r.RemoteAddr)
		// Recoverer re-panics this sentinel and net/http drops the connection
		// without writing a response.
		panic(http.ErrAbortHandler)
	}

	contentType := normalize.ContentType(r.Header)
	records, err := normalize.Normalize(contentType, body)
	if err != nil {
		s.Logger.Warn("Dropping unparseable JSON body", "error", err, "bytes", len(body), "remote", r.RemoteAddr)
	}

	if len(records) > 0 {
		if err := s.Sink.Append(records); err != nil {
			s.Logger.Error("Failed to write records", "error", err, "records", len(records))
		}
	}

	s.respondText(w, http.StatusOK, bodyOK)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if s.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
	return io.ReadAll(reader)
}

// respondText sends a plain-text response
func (s *Server) respondText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, body); err != nil {
		s.Logger.Debug("Failed to write response", "error", err)
	}
}
