package radiusfe

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// Handler translates RADIUS packets to engine and ledger calls.
type Handler struct {
	engine *auth.Engine
	ledger *session.Ledger
	logger *zap.Logger

	// Timeout bounds the processing of a single packet.
	Timeout time.Duration
}

// NewHandler creates a RADIUS handler.
func NewHandler(engine *auth.Engine, ledger *session.Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		engine:  engine,
		ledger:  ledger,
		logger:  logger,
		Timeout: 10 * time.Second,
	}
}

// ServeRADIUS dispatches on packet code. Unsupported codes are dropped
// without a response, per RFC 2865 silent-discard semantics.
func (h *Handler) ServeRADIUS(w radius.ResponseWriter, r *radius.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	switch r.Code {
	case radius.CodeAccessRequest:
		h.handleAccessRequest(ctx, w, r)
	case radius.CodeAccountingRequest:
		h.handleAccountingRequest(ctx, w, r)
	default:
		h.logger.Warn("Unsupported RADIUS code",
			zap.String("code", r.Code.String()),
			zap.String("remote", r.RemoteAddr.String()),
		)
	}
}

func (h *Handler) handleAccessRequest(ctx context.Context, w radius.ResponseWriter, r *radius.Request) {
	username := rfc2865.UserName_GetString(r.Packet)
	password := rfc2865.UserPassword_GetString(r.Packet)

	req := auth.Request{
		Username:  username,
		Password:  password,
		Method:    store.MethodPAP,
		SourceIP:  remoteIP(r.RemoteAddr),
		UserAgent: rfc2865.CallingStationID_GetString(r.Packet),
		NASIP:     net.IP(rfc2865.NASIPAddress_Get(r.Packet)),
		NASPort:   int(rfc2865.NASPort_Get(r.Packet)),
		FramedIP:  net.IP(rfc2865.FramedIPAddress_Get(r.Packet)),
	}

	result, err := h.engine.Authenticate(ctx, req)
	if err != nil {
		h.logger.Error("Authentication undecidable",
			zap.String("username", username),
			zap.Error(err),
		)
		// Silent discard so the NAS retries against a healthier peer.
		return
	}

	var resp *radius.Packet
	if result.Decision == auth.DecisionAccept {
		resp = r.Response(radius.CodeAccessAccept)
		_ = rfc2866.AcctSessionID_SetString(resp, result.SessionID)
	} else {
		resp = r.Response(radius.CodeAccessReject)
	}
	_ = rfc2865.ReplyMessage_SetString(resp, string(result.Reason))

	if err := w.Write(resp); err != nil {
		h.logger.Error("Failed to send RADIUS response",
			zap.String("username", username),
			zap.Error(err),
		)
	}
}

func (h *Handler) handleAccountingRequest(ctx context.Context, w radius.ResponseWriter, r *radius.Request) {
	statusType := rfc2866.AcctStatusType_Get(r.Packet)
	username := rfc2865.UserName_GetString(r.Packet)
	sessionID := rfc2866.AcctSessionID_GetString(r.Packet)

	var err error
	switch statusType {
	case rfc2866.AcctStatusType_Value_Start:
		err = h.accountingStart(ctx, r, username)
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		err = h.accountingInterim(ctx, r, sessionID)
	case rfc2866.AcctStatusType_Value_Stop:
		err = h.accountingStop(ctx, r, sessionID)
	default:
		h.logger.Warn("Unsupported Acct-Status-Type",
			zap.Uint32("status_type", uint32(statusType)),
			zap.String("remote", r.RemoteAddr.String()),
		)
		return
	}

	if err != nil {
		// Accounting-Response is still sent; the NAS must not retry a
		// record the ledger has rejected as invalid.
		h.logger.Warn("Accounting record not applied",
			zap.String("username", username),
			zap.String("session_id", sessionID),
			zap.Uint32("status_type", uint32(statusType)),
			zap.Error(err),
		)
	}

	if err := w.Write(r.Response(radius.CodeAccountingResponse)); err != nil {
		h.logger.Error("Failed to send accounting response",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// accountingStart opens a ledger session for a NAS that authenticates out
// of band. A conflict means an active session already holds the tuple.
func (h *Handler) accountingStart(ctx context.Context, r *radius.Request, username string) error {
	_, err := h.ledger.Open(ctx, session.OpenRequest{
		Username: username,
		NASIP:    net.IP(rfc2865.NASIPAddress_Get(r.Packet)),
		NASPort:  int(rfc2865.NASPort_Get(r.Packet)),
		FramedIP: net.IP(rfc2865.FramedIPAddress_Get(r.Packet)),
	}, time.Now())
	return err
}

// accountingInterim applies cumulative NAS octet counters as deltas
// against the stored totals. A counter that went backwards (NAS reboot)
// contributes zero rather than failing the record.
func (h *Handler) accountingInterim(ctx context.Context, r *radius.Request, sessionID string) error {
	s, err := h.ledger.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	in := uint64(rfc2866.AcctInputOctets_Get(r.Packet))
	out := uint64(rfc2866.AcctOutputOctets_Get(r.Packet))

	// Input octets are bytes the subscriber sent, output octets bytes
	// it received.
	sentDelta := counterDelta(s.BytesSent, in)
	recvDelta := counterDelta(s.BytesReceived, out)
	if sentDelta == 0 && recvDelta == 0 {
		return nil
	}
	return h.ledger.UpdateUsage(ctx, sessionID, sentDelta, recvDelta)
}

func (h *Handler) accountingStop(ctx context.Context, r *radius.Request, sessionID string) error {
	// Fold in the final counters before closing.
	if err := h.accountingInterim(ctx, r, sessionID); err != nil && !errors.Is(err, session.ErrInvalidState) {
		return err
	}

	cause := closeCause(rfc2866.AcctTerminateCause_Get(r.Packet))
	_, err := h.ledger.Close(ctx, sessionID, cause, time.Now())
	if errors.Is(err, session.ErrAlreadyClosed) {
		// Duplicate Stop, acknowledge idempotently.
		return nil
	}
	return err
}

func counterDelta(stored, cumulative uint64) int64 {
	if cumulative <= stored {
		return 0
	}
	return int64(cumulative - stored)
}

func closeCause(tc rfc2866.AcctTerminateCause) session.CloseCause {
	switch tc {
	case rfc2866.AcctTerminateCause_Value_AdminReset, rfc2866.AcctTerminateCause_Value_AdminReboot:
		return session.CauseAdminReset
	case rfc2866.AcctTerminateCause_Value_NASRequest, rfc2866.AcctTerminateCause_Value_NASReboot, rfc2866.AcctTerminateCause_Value_NASError:
		return session.CauseNASRequest
	default:
		return session.CauseUserRequest
	}
}

func remoteIP(addr net.Addr) net.IP {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
