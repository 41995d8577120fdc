package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/sweepstake"
	"github.com/relves/cordapps/pkg/types"
)

const maxBodySize = 1 << 20

var errUnknownPeer = errors.New("unknown peer")

// HTTPHandler serves the operator REST endpoints of a node.
type HTTPHandler struct {
	node   *node.Node
	peers  map[string]types.Party
	logger *slog.Logger
}

// NewHTTPHandler creates a handler over n. Parties in peers can be named in
// request bodies.
func NewHTTPHandler(n *node.Node, peers []types.Party, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]types.Party, len(peers)+1)
	for _, p := range peers {
		byName[p.Name] = p
	}
	byName[n.Party.Name] = n.Party
	return &HTTPHandler{node: n, peers: byName, logger: logger}
}

type openAccountRequest struct {
	Name string `json:"name"`
}

type shareRequest struct {
	Parties []string `json:"parties"`
}

type moveRequest struct {
	NewHost string `json:"new_host"`
}

type keyResponse struct {
	AccountID uuid.UUID          `json:"account_id"`
	Key       identity.PublicKey `json:"key"`
}

type issueLoanRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
}

type assignTeamsRequest struct {
	OtherParty string      `json:"other_party"`
	Accounts   []uuid.UUID `json:"accounts,omitempty"`
}

type teamResponse struct {
	sweepstake.Group
	Accounts []types.Account `json:"accounts"`
}

// HandleListHosted handles GET /accounts.
func (h *HTTPHandler) HandleListHosted(w http.ResponseWriter, r *http.Request) {
	accts, err := h.node.Registry.AccountsHostedByMe(r.Context())
	if err != nil {
		h.fail(w, "failed to list accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accts))
}

// HandleListKnown handles GET /accounts/known.
func (h *HTTPHandler) HandleListKnown(w http.ResponseWriter, r *http.Request) {
	accts, err := h.node.Registry.AllKnownAccounts(r.Context())
	if err != nil {
		h.fail(w, "failed to list accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accts))
}

// HandleOpenAccount handles POST /accounts.
func (h *HTTPHandler) HandleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	acct, err := h.node.Registry.OpenAccount(r.Context(), req.Name)
	if err != nil {
		h.fail(w, "failed to open account", err, "name", req.Name)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// HandleGetAccount handles GET /accounts/{id}.
func (h *HTTPHandler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	acct, err := h.node.Registry.Require(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to get account", err, "account", id)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleShareAccount handles POST /accounts/{id}/share.
func (h *HTTPHandler) HandleShareAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Parties) == 0 {
		http.Error(w, "parties required", http.StatusBadRequest)
		return
	}

	targets := make([]types.Party, 0, len(req.Parties))
	for _, name := range req.Parties {
		p, err := h.peer(name)
		if err != nil {
			h.fail(w, "failed to share account", err)
			return
		}
		targets = append(targets, p)
	}

	if err := h.node.Flows.ShareAccountInfo(r.Context(), id, targets...); err != nil {
		h.fail(w, "failed to share account", err, "account", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFreshKey handles POST /accounts/{id}/keys. Accounts hosted elsewhere
// get their key from the host.
func (h *HTTPHandler) HandleFreshKey(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	acct, err := h.node.Registry.Require(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to issue key", err, "account", id)
		return
	}
	key, err := h.node.Flows.KeyForAccount(r.Context(), *acct)
	if err != nil {
		h.fail(w, "failed to issue key", err, "account", id)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{AccountID: id, Key: key})
}

// HandleDeactivate handles POST /accounts/{id}/deactivate.
func (h *HTTPHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := h.node.Registry.Deactivate(r.Context(), id); err != nil {
		h.fail(w, "failed to deactivate account", err, "account", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMoveHost handles POST /accounts/{id}/move.
func (h *HTTPHandler) HandleMoveHost(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	newHost, err := h.peer(req.NewHost)
	if err != nil {
		h.fail(w, "failed to move account", err)
		return
	}

	acct, err := h.node.Flows.MoveHost(r.Context(), id, newHost)
	if err != nil {
		h.fail(w, "failed to move account", err, "account", id, "new_host", newHost.Name)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleListLoans handles GET /loans.
func (h *HTTPHandler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.node.Loans.Loans(r.Context())
	if err != nil {
		h.fail(w, "failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(loans))
}

// HandleIssueLoan handles POST /loans.
func (h *HTTPHandler) HandleIssueLoan(w http.ResponseWriter, r *http.Request) {
	var req issueLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID == uuid.Nil {
		http.Error(w, "account_id required", http.StatusBadRequest)
		return
	}

	loan, err := h.node.Loans.IssueLoan(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		h.fail(w, "failed to issue loan", err, "account", req.AccountID)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// HandleRepayLoan handles POST /loans/repay with the loan's state ref as body.
func (h *HTTPHandler) HandleRepayLoan(w http.ResponseWriter, r *http.Request) {
	var ref ledger.StateRef
	if !decodeBody(w, r, &ref) {
		return
	}
	if ref.TxID == "" {
		http.Error(w, "tx_id required", http.StatusBadRequest)
		return
	}
	if err := h.node.Loans.RepayLoan(r.Context(), ref); err != nil {
		h.fail(w, "failed to repay loan", err, "ref", ref.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListTeams handles GET /teams.
func (h *HTTPHandler) HandleListTeams(w http.ResponseWriter, r *http.Request) {
	groups, err := h.node.Sweepstake.Groups(r.Context())
	if err != nil {
		h.fail(w, "failed to list teams", err)
		return
	}
	resp, err := h.teams(r, groups)
	if err != nil {
		h.fail(w, "failed to list teams", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAssignTeams handles POST /teams/assign. Without an explicit account
// list every account hosted here is grouped.
func (h *HTTPHandler) HandleAssignTeams(w http.ResponseWriter, r *http.Request) {
	var req assignTeamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	other, err := h.peer(req.OtherParty)
	if err != nil {
		h.fail(w, "failed to assign teams", err)
		return
	}

	ctx := r.Context()
	var accts []types.Account
	if len(req.Accounts) == 0 {
		accts, err = h.node.Registry.AccountsHostedByMe(ctx)
		if err != nil {
			h.fail(w, "failed to assign teams", err)
			return
		}
	} else {
		for _, id := range req.Accounts {
			acct, err := h.node.Registry.Require(ctx, id)
			if err != nil {
				h.fail(w, "failed to assign teams", err, "account", id)
				return
			}
			accts = append(accts, *acct)
		}
	}

	groups, err := h.node.Sweepstake.AssignGroups(ctx, accts, other)
	if err != nil {
		h.fail(w, "failed to assign teams", err, "accounts", len(accts))
		return
	}
	resp, err := h.teams(r, groups)
	if err != nil {
		h.fail(w, "failed to assign teams", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTPHandler) teams(r *http.Request, groups []sweepstake.Group) ([]teamResponse, error) {
	out := make([]teamResponse, 0, len(groups))
	for _, g := range groups {
		members, err := h.node.Sweepstake.MembersOf(r.Context(), g)
		if err != nil {
			return nil, err
		}
		out = append(out, teamResponse{Group: g, Accounts: nonNil(members)})
	}
	return out, nil
}

func (h *HTTPHandler) peer(name string) (types.Party, error) {
	if name == "" {
		return types.Party{}, fmt.Errorf("%w: party name required", errUnknownPeer)
	}
	p, ok := h.peers[name]
	if !ok {
		return types.Party{}, fmt.Errorf("%w: %s", errUnknownPeer, name)
	}
	return p, nil
}

// fail writes err with the status it maps to. Unmapped errors are logged and
// hidden behind msg.
func (h *HTTPHandler) fail(w http.ResponseWriter, msg string, err error, args ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(args, "error", err)...)
		http.Error(w, msg, status)
		return
	}
	h.logger.Warn(msg, append(args, "status", status, "error", err)...)
	http.Error(w, err.Error(), status)
}

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		http.Error(w, "account id required", http.StatusBadRequest)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
