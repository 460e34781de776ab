package bywiseapi

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/network"
)

var (
	errNotFound     = errors.New("not found")
	errUnknownChain = errors.New("unknown chain")
	errBadHash      = errors.New("invalid hash")
	errUnauthorized = errors.New("invalid node token")
)

// maxBlocksPerPack bounds one sync response.
const maxBlocksPerPack = 100

func parseHash(raw string) (common.Hash, error) {
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errBadHash
	}
	return common.BytesToHash(b), nil
}

// --- node endpoints ---

func (s *Server) handshake(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var info network.NodeInfo
	if err := decodeBody(r, &info); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := s.overlay.AcceptHandshake(info)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) tryToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.overlay.ValidToken(nodeToken(r)) {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.overlay.Peers())
}

// --- gossip ingest ---

func (s *Server) postTx(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var tx types.Tx
	if err := decodeBody(r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.overlay.HandleTx(senderHost(r), &tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": tx.Hash.Hex()})
}

func (s *Server) postSlice(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var sl types.Slice
	if err := decodeBody(r, &sl); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.overlay.HandleSlice(senderHost(r), &sl); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": sl.Hash.Hex()})
}

func (s *Server) postBlock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var b types.Block
	if err := decodeBody(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.overlay.HandleBlock(senderHost(r), &b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": b.Hash.Hex()})
}

// --- object retrieval ---

// Hash lookups are chain-agnostic: hashes are unique across the chains this
// node serves, so every pipeline is consulted.

func (s *Server) getTx(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	hash, err := parseHash(ps.ByName("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, pipeline := range s.pipelines {
		if tx := pipeline.LookupTx(hash); tx != nil {
			writeJSON(w, http.StatusOK, tx)
			return
		}
	}
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) getSlice(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	hash, err := parseHash(ps.ByName("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, pipeline := range s.pipelines {
		if sl := pipeline.LookupSlice(hash); sl != nil {
			writeJSON(w, http.StatusOK, sl)
			return
		}
	}
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) getBlock(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	hash, err := parseHash(ps.ByName("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, pipeline := range s.pipelines {
		if b := pipeline.LookupBlock(hash); b != nil {
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) getLastBlock(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	tip := pipeline.Tree().BestMinedBlock()
	if tip == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tip.Block)
}

func (s *Server) getLastSlices(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	slices := pipeline.LastSlices()
	if slices == nil {
		slices = []*types.Slice{}
	}
	writeJSON(w, http.StatusOK, slices)
}

func (s *Server) getLastTxs(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	txs := pipeline.LastTxs()
	if txs == nil {
		txs = []*types.Tx{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getBlocksPack(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	from, err := strconv.ParseUint(ps.ByName("height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	blocks := pipeline.PersistedBlocks(from, maxBlocksPerPack)
	if blocks == nil {
		blocks = []*types.Block{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

// --- wallet, contract and event queries ---

type walletView struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Nonce     uint64 `json:"nonce"`
	Admin     bool   `json:"admin"`
	Validator bool   `json:"validator"`
}

func (s *Server) getWallet(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	address := ps.ByName("address")
	ctx, err := pipeline.TipContext()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	store := pipeline.Store()
	defer store.Discard(ctx)
	balance, err := core.GetBalance(store, ctx, address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	nonce, _ := core.GetNonce(store, ctx, address)
	admin, _ := core.IsAdmin(store, ctx, address)
	validator, _ := core.IsValidator(store, ctx, address)
	writeJSON(w, http.StatusOK, walletView{
		Address:   address,
		Balance:   balance.String(),
		Nonce:     nonce,
		Admin:     admin,
		Validator: validator,
	})
}

func (s *Server) getContract(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	ctx, err := pipeline.TipContext()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer pipeline.Store().Discard(ctx)
	raw, err := pipeline.Store().Get(ctx, state.ContractKey(ps.ByName("address")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if raw == "" {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(raw))
}

type simulateRequest struct {
	Tx             types.Tx `json:"tx"`
	SimulateWallet bool     `json:"simulateWallet"`
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req simulateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pipeline := s.pipeline(req.Tx.Chain)
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	output, err := pipeline.Processor().SimulateTx(pipeline.TipCommit(), &req.Tx, pipeline.NextHeight(), req.SimulateWallet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, output)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pipeline := s.pipeline(ps.ByName("chain"))
	if pipeline == nil {
		writeError(w, http.StatusNotFound, errUnknownChain)
		return
	}
	query := r.URL.Query()
	events := pipeline.Events(ps.ByName("contract"), ps.ByName("event"), query.Get("key"), query.Get("value"))
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
