package server

import (
	"errors"
	"net/http"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/loanbook"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/sweepstake"
)

// NewServer builds the HTTP surface of a node: the operator REST endpoints
// and the peer endpoint other nodes deliver session messages to.
//
// Parameters:
//   - opts: Configuration options (WithNode, WithPeers, WithLogger)
func NewServer(opts ...Option) (http.Handler, error) {
	cfg := applyOptions(opts...)
	if cfg.Node == nil {
		return nil, errors.New("node is required")
	}

	h := NewHTTPHandler(cfg.Node, cfg.Peers, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts", h.HandleListHosted)
	mux.HandleFunc("POST /accounts", h.HandleOpenAccount)
	mux.HandleFunc("GET /accounts/known", h.HandleListKnown)
	mux.HandleFunc("GET /accounts/{id}", h.HandleGetAccount)
	mux.HandleFunc("POST /accounts/{id}/share", h.HandleShareAccount)
	mux.HandleFunc("POST /accounts/{id}/keys", h.HandleFreshKey)
	mux.HandleFunc("POST /accounts/{id}/deactivate", h.HandleDeactivate)
	mux.HandleFunc("POST /accounts/{id}/move", h.HandleMoveHost)
	mux.HandleFunc("GET /loans", h.HandleListLoans)
	mux.HandleFunc("POST /loans", h.HandleIssueLoan)
	mux.HandleFunc("POST /loans/repay", h.HandleRepayLoan)
	mux.HandleFunc("GET /teams", h.HandleListTeams)
	mux.HandleFunc("POST /teams/assign", h.HandleAssignTeams)
	mux.Handle("POST "+session.PeerPath, cfg.Node.Router)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux, nil
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	var violation *contracts.ContractViolation
	var remote *session.RemoteError
	switch {
	case errors.Is(err, accounts.ErrUnknownAccount),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, errUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrDuplicateAccount),
		errors.Is(err, accounts.ErrKeyAlreadyMapped),
		errors.Is(err, ledger.ErrDoubleSpend):
		return http.StatusConflict
	case errors.Is(err, accounts.ErrNotHost),
		errors.Is(err, accounts.ErrInactiveAccount),
		errors.Is(err, loanbook.ErrInvalidAmount),
		errors.Is(err, loanbook.ErrNotALoan),
		errors.Is(err, sweepstake.ErrUngroupableInput),
		errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, flows.ErrMissingSession),
		errors.Is(err, flows.ErrIncompleteSessionSet),
		errors.Is(err, flows.ErrSignatureMismatch),
		errors.Is(err, session.ErrUnknownParty),
		errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
