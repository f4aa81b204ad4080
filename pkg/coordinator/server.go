package coordinator

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/prakhar479/VStack/pkg/chunkid"
	"github.com/prakhar479/VStack/pkg/coordinator/catalog"
	"github.com/prakhar479/VStack/pkg/errkind"
)

// Server exposes a Coordinator over its stream/chunk/node/redundancy
// HTTP surface, built the same gorilla/mux way as the storage node's
// server.
type Server struct {
	c      *Coordinator
	log    *zap.Logger
	router *mux.Router
}

func NewServer(c *Coordinator, log *zap.Logger) *Server {
	s := &Server{c: c, log: log, router: mux.NewRouter()}
	s.router.Use(s.recoverMiddleware)

	s.router.HandleFunc("/streams", s.handleCreateStream).Methods(http.MethodPost)
	s.router.HandleFunc("/streams", s.handleListStreams).Methods(http.MethodGet)
	s.router.HandleFunc("/streams/{stream_id}", s.handleGetStream).Methods(http.MethodGet)
	s.router.HandleFunc("/streams/{stream_id}/manifest", s.handleManifest).Methods(http.MethodGet)
	s.router.HandleFunc("/streams/{stream_id}/popularity", s.handleIncrementPopularity).Methods(http.MethodPost)
	s.router.HandleFunc("/streams/{stream_id}/redundancy", s.handleRecommendMode).Methods(http.MethodGet)
	s.router.HandleFunc("/streams/{stream_id}/redundancy", s.handleSetOverride).Methods(http.MethodPut)
	s.router.HandleFunc("/streams/{stream_id}/chunks/{seq}/candidates", s.handleCandidates).Methods(http.MethodGet)
	s.router.HandleFunc("/streams/{stream_id}/chunks/{seq}", s.handleCommitChunk).Methods(http.MethodPut)
	s.router.HandleFunc("/chunks/{chunk_id}", s.handleChunkPlacement).Methods(http.MethodGet)
	s.router.HandleFunc("/chunks/{chunk_id}/fragments", s.handleChunkFragments).Methods(http.MethodGet)
	s.router.HandleFunc("/chunks/{chunk_id}/proposal", s.handleChunkProposal).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	s.router.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/healthy", s.handleListHealthyNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{node_id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/nodes/health", s.handleNodeHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/redundancy/efficiency", s.handleRedundancyEfficiency).Methods(http.MethodGet)
	s.router.HandleFunc("/redundancy/overhead", s.handleStorageOverhead).Methods(http.MethodGet)
	return s
}

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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errkind.BadRequest.Has(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errkind.NotFound.Has(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errkind.QuorumNotReached.Has(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errkind.Conflict.Has(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal coordinator error", http.StatusInternalServerError)
	}
}

type createStreamRequest struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	DurationSec      float64 `json:"duration_sec"`
	ChunkDurationSec float64 `json:"chunk_duration_sec"`
	ChunkSize        int64   `json:"chunk_size"`
	TotalChunks      int     `json:"total_chunks"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Title == "" {
		http.Error(w, "id and title are required", http.StatusBadRequest)
		return
	}
	if err := s.c.db.CreateStream(r.Context(), req.ID, req.Title, req.DurationSec, req.ChunkDurationSec, req.ChunkSize, req.TotalChunks); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.c.db.ListStreams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	m, err := s.c.GetManifest(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type setOverrideRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	var req setOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	effective, err := s.c.SetOverride(r.Context(), streamID, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"effective_for_existing_stream": effective})
}

// handleCandidates returns the node set and recommended redundancy
// mode a writer should upload this chunk to before calling commit.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	mode, nodes, err := s.c.CandidateNodes(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidatesResponse{RedundancyMode: mode, Nodes: nodes})
}

type candidatesResponse struct {
	RedundancyMode string               `json:"redundancy_mode"`
	Nodes          []catalog.NodeRecord `json:"nodes"`
}

// commitChunkRequest is the commit-time payload: node ids, hash, size,
// redundancy mode, and optional fragment metadata. Never a chunk body.
// The writer has already uploaded the bytes (or erasure fragments)
// directly to the nodes named here; the coordinator only verifies
// presence.
type commitChunkRequest struct {
	Hash           string                  `json:"hash"`
	Size           int64                   `json:"size"`
	RedundancyMode string                  `json:"redundancy_mode"`
	NodeIDs        []string                `json:"node_ids,omitempty"`
	Fragments      []fragmentCandidateWire `json:"fragments,omitempty"`
}

type fragmentCandidateWire struct {
	Index  int    `json:"index"`
	NodeID string `json:"node_id"`
	Hash   string `json:"hash,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

func (s *Server) handleCommitChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	streamID := vars["stream_id"]
	seq, err := strconv.Atoi(vars["seq"])
	if err != nil {
		http.Error(w, "sequence must be an integer", http.StatusBadRequest)
		return
	}

	var req commitChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	hash, err := chunkid.ParseContentHash(req.Hash)
	if err != nil {
		http.Error(w, "malformed hash", http.StatusBadRequest)
		return
	}

	var fragments []FragmentCandidate
	for _, f := range req.Fragments {
		fc := FragmentCandidate{Index: f.Index, NodeID: f.NodeID}
		if f.Hash != "" {
			h, err := chunkid.ParseContentHash(f.Hash)
			if err != nil {
				http.Error(w, "malformed fragment hash", http.StatusBadRequest)
				return
			}
			fc.Hash = h
		}
		fragments = append(fragments, fc)
	}

	id := chunkid.NewChunkID(mustParseStreamID(streamID), int64(seq))
	result, err := s.c.CommitChunk(r.Context(), streamID, seq, id, hash, req.Size, req.RedundancyMode, req.NodeIDs, fragments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func mustParseStreamID(s string) chunkid.StreamID {
	id, err := chunkid.ParseStreamID(s)
	if err == nil {
		return id
	}
	// Streams created through this API may predate strict StreamID
	// formatting; fall back to a deterministic hash-derived id so
	// chunk ids stay stable for a given stream string.
	hash := chunkid.HashBytes([]byte(s))
	var derived chunkid.StreamID
	copy(derived[:], hash[:])
	return derived
}

type registerNodeRequest struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.c.RegisterNode(r.Context(), req.ID, req.URL, req.Version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	DiskUsage  float64 `json:"disk_usage"`
	ChunkCount int     `json:"chunk_count"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.c.Heartbeat(r.Context(), nodeID, req.DiskUsage, req.ChunkCount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	stream, err := s.c.db.GetStream(r.Context(), streamID)
	if err != nil {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

func (s *Server) handleIncrementPopularity(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	if _, err := s.c.db.GetStream(r.Context(), streamID); err != nil {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	popularity, err := s.c.db.IncrementPopularity(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"popularity": popularity})
}

func (s *Server) handleRecommendMode(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["stream_id"]
	rec, err := s.c.RecommendMode(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChunkPlacement(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])
	placement, err := s.c.ChunkPlacement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, placement)
}

func (s *Server) handleChunkFragments(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])
	fragments, err := s.c.ChunkFragments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fragments)
}

func (s *Server) handleChunkProposal(w http.ResponseWriter, r *http.Request) {
	id := chunkid.ChunkID(mux.Vars(r)["chunk_id"])
	proposal, err := s.c.ProposalState(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.c.db.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleListHealthyNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.c.HealthyNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleStorageOverhead(w http.ResponseWriter, r *http.Request) {
	overhead, err := s.c.StorageOverhead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overhead)
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.c.NodeHealthSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRedundancyEfficiency(w http.ResponseWriter, r *http.Request) {
	eff, err := s.c.RedundancyEfficiency(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}
