package proof

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decred/slog"
)

// Handler exposes the proof pipeline over HTTP for local tooling and the
// game client. It mounts under /proof on the server's mux.
type Handler struct {
	port *Port
	log  slog.Logger
}

func NewHandler(port *Port, log slog.Logger) *Handler {
	if log == nil {
		log = slog.Disabled
	}
	return &Handler{port: port, log: log}
}

// Register mounts the proof routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /proof/board/generate", h.generateBoard)
	mux.HandleFunc("POST /proof/board/verify", h.verifyBoard)
	mux.HandleFunc("POST /proof/shot/generate", h.generateShot)
	mux.HandleFunc("POST /proof/shot/verify", h.verifyShot)
}

type generateBoardRequest struct {
	Ships     []Ship `json:"ships"`
	Nonce     string `json:"nonce"`
	GridSize  int    `json:"gridSize"`
	ShipSizes []int  `json:"shipSizes"`
}

type generateBoardResponse struct {
	Proof        []byte   `json:"proof"`
	BoardHash    string   `json:"boardHash"`
	PublicInputs []string `json:"publicInputs"`
}

type verifyRequest struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

type generateShotRequest struct {
	Ships []Ship `json:"ships"`
	Nonce string `json:"nonce"`
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Hit   bool   `json:"hit"`
}

type generateShotResponse struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

func (h *Handler) generateBoard(w http.ResponseWriter, r *http.Request) {
	var req generateBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, ErrBadRequest)
		return
	}
	proofData, boardHash, inputs, err := h.port.GenerateBoardProof(r.Context(), req.Ships, req.Nonce, req.GridSize, req.ShipSizes)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.ok(w, generateBoardResponse{Proof: proofData, BoardHash: boardHash, PublicInputs: inputs})
}

func (h *Handler) verifyBoard(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, ErrBadRequest)
		return
	}
	err := h.port.VerifyBoardProof(r.Context(), req.Proof, req.PublicInputs)
	h.verdict(w, err)
}

func (h *Handler) generateShot(w http.ResponseWriter, r *http.Request) {
	var req generateShotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, ErrBadRequest)
		return
	}
	proofData, inputs, err := h.port.GenerateShotProof(r.Context(), req.Ships, req.Nonce, req.Row, req.Col, req.Hit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.ok(w, generateShotResponse{Proof: proofData, PublicInputs: inputs})
}

func (h *Handler) verifyShot(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, ErrBadRequest)
		return
	}
	err := h.port.VerifyShotProof(r.Context(), req.Proof, req.PublicInputs)
	h.verdict(w, err)
}

// verdict maps a verification outcome: invalid proofs are a valid=false
// answer, not an HTTP error.
func (h *Handler) verdict(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		h.ok(w, verifyResponse{Valid: true})
	case errors.Is(err, ErrProofInvalid):
		h.ok(w, verifyResponse{Valid: false})
	default:
		h.fail(w, err)
	}
}

func (h *Handler) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorf("encode response: %v", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrBadRequest) {
		status = http.StatusBadRequest
	}
	h.log.Warnf("proof request failed: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
