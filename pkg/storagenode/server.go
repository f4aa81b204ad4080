package storagenode

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// Server exposes a Store over its chunk/ping/health HTTP surface.
type Server struct {
	store  *Store
	log    *zap.Logger
	router *mux.Router
}

// NewServer builds the chunk HTTP surface.
func NewServer(store *Store, log *zap.Logger) *Server {
	s := &Server{store: store, log: log, router: mux.NewRouter()}
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/chunk/{chunk_id}", s.handlePut).Methods(http.MethodPut)
	s.router.HandleFunc("/chunk/{chunk_id}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/chunk/{chunk_id}", s.handleHead).Methods(http.MethodHead)
	s.router.HandleFunc("/chunk/{chunk_id}", s.handleDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodHead, http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic handling request", zap.Any("recovered", rec), zap.ByteString("stack", debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])

	if r.ContentLength <= 0 {
		http.Error(w, "Content-Length header required", http.StatusBadRequest)
		return
	}
	if r.ContentLength > s.store.cfg.MaxBodySize() {
		http.Error(w, "chunk exceeds payload ceiling", http.StatusRequestEntityTooLarge)
		return
	}

	body := make([]byte, r.ContentLength)
	if _, err := io.ReadFull(r.Body, body); err != nil {
		http.Error(w, "failed to read chunk body", http.StatusBadRequest)
		return
	}

	var expected chunkid.ContentHash
	if h := r.Header.Get("X-Chunk-Checksum"); h != "" {
		parsed, err := chunkid.ParseContentHash(h)
		if err != nil {
			http.Error(w, "malformed X-Chunk-Checksum", http.StatusBadRequest)
			return
		}
		expected = parsed
	}

	hash, created, err := s.store.Put(id, body, expected)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/chunk/"+id.String())
	w.Header().Set("ETag", hash.String())
	w.Header().Set("X-Chunk-Size", strconv.Itoa(len(body)))
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])

	data, hash, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, _ := s.store.Head(id)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", hash.String())
	w.Header().Set("X-Superblock-ID", strconv.Itoa(entry.Superblock))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])

	entry, err := s.store.Head(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Length, 10))
	w.Header().Set("ETag", entry.Hash.String())
	w.Header().Set("X-Superblock-ID", strconv.Itoa(entry.Superblock))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])
	if err := s.store.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	info := s.store.Probe()
	w.Header().Set("X-Node-ID", info.NodeID)
	w.Header().Set("X-Disk-Usage-Percent", strconv.FormatFloat(info.DiskUsage*100, 'f', 2, 64))
	w.Header().Set("X-Chunk-Count", strconv.Itoa(info.ChunkCount))
	w.Header().Set("X-Response-Time", strconv.FormatFloat(time.Since(start).Seconds()*1000, 'f', 3, 64))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

type healthPayload struct {
	Status     string  `json:"status"`
	DiskUsage  float64 `json:"disk_usage"`
	ChunkCount int     `json:"chunk_count"`
	Uptime     int64   `json:"uptime"`
	NodeID     string  `json:"node_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.store.Health()
	payload := healthPayload{
		Status:     string(info.State),
		DiskUsage:  info.DiskUsage,
		ChunkCount: info.ChunkCount,
		Uptime:     int64(info.Uptime.Seconds()),
		NodeID:     info.NodeID,
	}
	w.Header().Set("Content-Type", "application/json")
	if info.State == Critical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode health response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errkind.BadRequest.Has(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errkind.NotFound.Has(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errkind.IntegrityMismatch.Has(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errkind.CapacityExhausted.Has(err):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errkind.Corruption.Has(err):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case errkind.Conflict.Has(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errkind.Transient.Has(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal storage error", http.StatusInternalServerError)
	}
}
