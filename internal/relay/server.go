// Package relay is a development server implementing the server side of
// the messaging and call-signaling sockets and the REST surface the client
// talks to. Without an Authenticator the bearer token is taken as the user
// id.
package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/h2non/filetype"

	"shutterline/internal/filestore"
	"shutterline/internal/models"
	"shutterline/internal/storage"
)

const (
	MaxUploadSize = 25 << 20
	maxPageLimit  = 100
)

type ctxKey struct{}

// FileMetadataStore keeps the metadata of uploaded files by content hash.
type FileMetadataStore interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(hash string) (storage.FileMetadata, error)
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	hub      *Hub
	files    filestore.FileStore
	meta     FileMetadataStore
	auth     Authenticator
	upgrader *websocket.Upgrader
	now      func() time.Time
}

type ServerOption func(*Server)

// WithAuthenticator makes the server verify tokens instead of taking them
// as user ids.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

func NewServer(hub *Hub, files filestore.FileStore, meta FileMetadataStore, opts ...ServerOption) *Server {
	s := &Server{
		hub:   hub,
		files: files,
		meta:  meta,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// RequireAuth rejects requests without a token and registers the user.
func (s *Server) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := getToken(r)
		if id == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if s.auth != nil {
			var err error
			if id, err = s.auth.GetUserID(id); err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		s.hub.AddUser(id, r.URL.Query().Get("name"))
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, chatEndpoint{hub: s.hub})
}

func (s *Server) HandleCalls(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, callEndpoint{hub: s.hub})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, hub messageHub) {
	id := userID(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(hub, ws, id)
	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("connection of %s closed: %v", id, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs := s.hub.Conversations(userID(r))
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	out, err := s.hub.Messages(userID(r), r.PathValue("id"), page, limit)
	if errors.Is(err, ErrForbidden) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	if len(data) > MaxUploadSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	mimeType := header.Header.Get("Content-Type")
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if err := s.files.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("failed to save upload: %v", err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	meta := storage.FileMetadata{
		Hash:      hash,
		Name:      header.Filename,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: s.now().Unix(),
		UserID:    userID(r),
	}
	if err := s.meta.UpsertFileMetadata(meta); err != nil {
		log.Printf("failed to save file metadata: %v", err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, models.Attachment{
		Name: header.Filename,
		URL:  "/files/" + hash,
		Size: meta.Size,
		Type: mimeType,
	})
}

func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if !filestore.ValidHash(hash) {
		http.NotFound(w, r)
		return
	}
	meta, err := s.meta.GetFileMetadata(hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	size, err := s.files.Size(hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := s.files.Get(hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("failed to send file %s: %v", hash, err)
	}
}

func (s *Server) CallLogHandler(w http.ResponseWriter, r *http.Request) {
	var entry models.CallLog
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	callID := r.PathValue("id")
	if entry.CallID == "" {
		entry.CallID = callID
	}
	if entry.CallID != callID {
		http.Error(w, "Call id mismatch", http.StatusBadRequest)
		return
	}

	msg, err := s.hub.UpsertCallLog(userID(r), entry)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
