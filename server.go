package escrow

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"dynft/escrow/net"
	"dynft/escrow/store"
)

// Server exposes the issuer over HTTP. Request and reply bodies are
// JSON; signed transactions travel base64-encoded inside them.
type Server struct {
	Issuer *Issuer
}

// Register installs the handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/mint", s.Mint)
	mux.HandleFunc("/fund", s.Fund)
	mux.HandleFunc("/mint-commit", s.MintCommit)
	mux.HandleFunc("/optin", s.OptIn)
	mux.HandleFunc("/optin-submit", s.OptInSubmit)
	mux.HandleFunc("/transfer", s.Transfer)
	mux.HandleFunc("/redeem", s.Redeem)
	mux.HandleFunc("/redeem-submit", s.RedeemSubmit)
	mux.HandleFunc("/escrow", s.Status)
	mux.HandleFunc("/verify", s.Verify)
	mux.HandleFunc("/", s.Health)
}

// httpStatus maps a protocol error to an HTTP status code and the
// taxonomy kind reported in the body.
func httpStatus(err error) (int, string) {
	kind := ErrKind(err)
	switch errors.Cause(err) {
	case store.ErrNotFound:
		return http.StatusNotFound, "NotFound"
	case ErrInvalidParameter, ErrAmountMismatch:
		return http.StatusBadRequest, kind
	case ErrInvalidStateTransition:
		return http.StatusConflict, kind
	case ErrInsufficientEscrowBalance:
		return http.StatusPaymentRequired, kind
	case ErrTransactionRejected:
		return http.StatusBadGateway, kind
	case ErrConfirmationTimeout:
		return http.StatusGatewayTimeout, kind
	case ErrFingerprintMismatch, ErrAddressMismatch:
		return http.StatusConflict, kind
	case ErrCompilationFailure:
		return http.StatusInternalServerError, kind
	}
	return http.StatusInternalServerError, "Internal"
}

func replyErr(w http.ResponseWriter, err error) {
	code, kind := httpStatus(err)
	net.ErrJSON(w, code, kind, "%s", err)
}

func replyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(req *http.Request, v interface{}) error {
	bits, err := io.ReadAll(req.Body)
	if err != nil {
		return errors.Wrap(err, "reading request body")
	}
	err = json.Unmarshal(bits, v)
	if err != nil {
		return errors.Wrapf(ErrInvalidParameter, "parsing request body: %s", err)
	}
	return nil
}

func decodeSigned(field string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidParameter, "signed txn is not valid base64")
	}
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "signed txn must be set")
	}
	return raw, nil
}

// Mint handles POST /mint: provision a new escrow and return the
// funding payment for the creator's wallet.
func (s *Server) Mint(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Creator      string `json:"creator"`
		AssetName    string `json:"asset_name"`
		AssetUnit    string `json:"asset_unit"`
		LockedAmount uint64 `json:"locked_amount"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	offer, err := s.Issuer.RequestMint(req.Context(), body.Creator, body.AssetName, body.AssetUnit, body.LockedAmount)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, offer)
}

// Fund handles POST /fund: submit the signed funding payment and wait
// for the escrow to become Funded.
func (s *Server) Fund(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SignedTxn string `json:"signed_txn"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	raw, err := decodeSigned(body.SignedTxn)
	if err != nil {
		replyErr(w, err)
		return
	}
	rec, err := s.Issuer.ConfirmFunding(req.Context(), raw)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, statusReply(rec))
}

// MintCommit handles POST /mint-commit: mint the asset from a funded
// escrow.
func (s *Server) MintCommit(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EscrowAddress string `json:"escrow_address"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	assetID, err := s.Issuer.CommitMint(req.Context(), body.EscrowAddress)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, map[string]uint64{"asset_id": assetID})
}

// OptIn handles POST /optin: build the recipient's unsigned opt-in.
func (s *Server) OptIn(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Recipient string `json:"recipient"`
		AssetID   uint64 `json:"asset_id"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	txn, err := s.Issuer.OptInTxn(req.Context(), body.Recipient, body.AssetID)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, map[string]string{"optin_txn": txn})
}

// OptInSubmit handles POST /optin-submit: submit a signed opt-in.
func (s *Server) OptInSubmit(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SignedTxn string `json:"signed_txn"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	raw, err := decodeSigned(body.SignedTxn)
	if err != nil {
		replyErr(w, err)
		return
	}
	err = s.Issuer.ConfirmOptIn(req.Context(), raw)
	if err != nil {
		replyErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transfer handles POST /transfer: issue the asset to its recipient.
func (s *Server) Transfer(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EscrowAddress string `json:"escrow_address"`
		Recipient     string `json:"recipient"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	err = s.Issuer.Transfer(req.Context(), body.EscrowAddress, body.Recipient)
	if err != nil {
		replyErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Redeem handles POST /redeem: build the atomic swap and return the
// asset-return half for the owner's wallet.
func (s *Server) Redeem(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EscrowAddress string `json:"escrow_address"`
		Owner         string `json:"owner"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	offer, err := s.Issuer.RequestRedeem(req.Context(), body.EscrowAddress, body.Owner)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, offer)
}

// RedeemSubmit handles POST /redeem-submit: complete the swap, then
// destroy the asset and close the escrow out.
func (s *Server) RedeemSubmit(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EscrowAddress   string `json:"escrow_address"`
		SignedReturnTxn string `json:"signed_return_txn"`
	}
	err := decodeBody(req, &body)
	if err != nil {
		replyErr(w, err)
		return
	}
	raw, err := decodeSigned(body.SignedReturnTxn)
	if err != nil {
		replyErr(w, err)
		return
	}
	result, err := s.Issuer.SubmitRedeem(req.Context(), body.EscrowAddress, raw)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, result)
}

// StatusReply is the status view of one escrow.
type StatusReply struct {
	EscrowAddress string `json:"escrow_address"`
	State         string `json:"state"`
	AssetID       uint64 `json:"asset_id,omitempty"`
	AssetName     string `json:"asset_name"`
	AssetUnit     string `json:"asset_unit"`
	LockedAmount  uint64 `json:"locked_amount"`
	FundedAmount  uint64 `json:"funded_amount,omitempty"`
	OptedIn       bool   `json:"opted_in"`
	Payout        uint64 `json:"payout,omitempty"`
	Remainder     uint64 `json:"remainder,omitempty"`
	Creator       string `json:"creator"`
	Nonce         uint64 `json:"nonce"`
	Fingerprint   string `json:"fingerprint"`
}

func statusReply(rec *store.Record) *StatusReply {
	return &StatusReply{
		EscrowAddress: rec.EscrowAddress,
		State:         rec.State.String(),
		AssetID:       rec.AssetID,
		AssetName:     rec.AssetName,
		AssetUnit:     rec.AssetUnit,
		LockedAmount:  rec.LockedAmount,
		FundedAmount:  rec.FundedAmount,
		OptedIn:       rec.OptedIn,
		Payout:        rec.Payout,
		Remainder:     rec.Remainder,
		Creator:       rec.Creator,
		Nonce:         rec.Nonce,
		Fingerprint:   hex.EncodeToString(rec.Fingerprint),
	}
}

// Status handles GET /escrow?address=A. With &wait=<state> it blocks
// until the escrow leaves that state, or until the request's own
// deadline; the subscription is taken before the record is read so no
// transition slips between the two.
func (s *Server) Status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	addr := req.FormValue("address")
	if addr == "" {
		replyErr(w, errors.Wrap(ErrInvalidParameter, "address must be set"))
		return
	}

	waitPast := req.FormValue("wait")
	if waitPast == "" {
		rec, err := s.Issuer.Store.Get(ctx, addr)
		if err != nil {
			replyErr(w, err)
			return
		}
		replyJSON(w, statusReply(rec))
		return
	}

	past, ok := store.ParseState(waitPast)
	if !ok {
		replyErr(w, errors.Wrapf(ErrInvalidParameter, "unknown state %q", waitPast))
		return
	}

	r := s.Issuer.Watch()
	rec, err := s.Issuer.Store.Get(ctx, addr)
	if err != nil {
		replyErr(w, err)
		return
	}
	for rec.State == past {
		got, ok := r.Read(ctx)
		if !ok {
			net.ErrJSON(w, http.StatusRequestTimeout, "Timeout",
				"timed out waiting for escrow %s to leave %s", addr, past)
			return
		}
		change := got.(*StateChange)
		if change.EscrowAddress != addr {
			continue
		}
		rec, err = s.Issuer.Store.Get(ctx, addr)
		if err != nil {
			replyErr(w, err)
			return
		}
	}
	replyJSON(w, statusReply(rec))
}

// Verify handles GET /verify?asset=N: re-verify an asset's security
// binding from the chain alone.
func (s *Server) Verify(w http.ResponseWriter, req *http.Request) {
	assetID, err := strconv.ParseUint(req.FormValue("asset"), 10, 64)
	if err != nil {
		replyErr(w, errors.Wrap(ErrInvalidParameter, "asset must be a decimal asset id"))
		return
	}
	desc, err := s.Issuer.VerifyAsset(req.Context(), assetID)
	if err != nil {
		replyErr(w, err)
		return
	}
	replyJSON(w, desc)
}

// Health handles GET /.
func (s *Server) Health(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	replyJSON(w, map[string]string{"status": "ok"})
}
