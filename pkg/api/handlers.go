package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cuemby/hutch/pkg/types"
)

// bridgeSender is the owner identity recorded for leases spawned over
// HTTP. It can never collide with a relay sender, which is always a
// 64-char hex key, so DM-owned leases stay out of the bridge's owner
// fallback and vice versa.
const bridgeSender = "bridge"

const maxBodyBytes = 1 << 20

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"offer":   s.offers.Offer(),
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req types.SpawnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if token := bearerToken(r); token != "" {
		req.CashuToken = token
	}
	if req.CashuToken == "" {
		writeBridgeError(w, http.StatusUnauthorized,
			types.NewRequestError(types.ErrKindInvalidRequest, "Missing Cashu token").Response())
		return
	}
	s.dispatch(w, r, &req)
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req types.TopupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if token := bearerToken(r); token != "" {
		req.CashuToken = token
	}
	if req.CashuToken == "" {
		writeBridgeError(w, http.StatusUnauthorized,
			types.NewRequestError(types.ErrKindInvalidRequest, "Missing Cashu token").Response())
		return
	}
	s.dispatch(w, r, &req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req types.StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.dispatch(w, r, &req)
}

// dispatch feeds the payload through the same pipeline direct messages
// take and maps the typed reply onto an HTTP response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeBridgeError(w, http.StatusInternalServerError,
			types.NewRequestError(types.ErrKindProvisioningError, "Failed to encode request").Response())
		return
	}

	result := s.dispatcher.Handle(r.Context(), bridgeSender, data)
	if errResp, ok := result.(*types.ErrorResponse); ok {
		writeBridgeError(w, statusForKind(errResp.ErrorType), errResp)
		return
	}
	writeBridge(w, http.StatusOK, true, result)
}

// bearerToken pulls a Cashu token from the Authorization header. The
// body token is used when the header is absent.
func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Cashu") {
		return parts[1]
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBridgeError(w, http.StatusBadRequest,
			types.NewRequestError(types.ErrKindInvalidRequest, "Invalid JSON body: "+err.Error()).Response())
		return false
	}
	return true
}

// writeBridge flattens the reply payload into the response object and
// adds the success flag, so HTTP callers see the same fields DM callers
// do.
func writeBridge(w http.ResponseWriter, status int, success bool, payload interface{}) {
	body := map[string]interface{}{"success": success}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			fields := make(map[string]interface{})
			if json.Unmarshal(raw, &fields) == nil {
				for k, v := range fields {
					if k != "success" {
						body[k] = v
					}
				}
			}
		}
	}
	writeJSON(w, status, body)
}

func writeBridgeError(w http.ResponseWriter, status int, resp *types.ErrorResponse) {
	writeBridge(w, status, false, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusForKind maps wire error kinds onto HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case types.ErrKindInvalidRequest, types.ErrKindInvalidToken, types.ErrKindTierNotFound:
		return http.StatusBadRequest
	case types.ErrKindInsufficientPayment, types.ErrKindMintNotWhitelisted:
		return http.StatusPaymentRequired
	case types.ErrKindTokenAlreadyUsed:
		return http.StatusConflict
	case types.ErrKindNotFound:
		return http.StatusNotFound
	case types.ErrKindNoSpecs:
		return http.StatusServiceUnavailable
	case types.ErrKindBackendError:
		return http.StatusBadGateway
	case types.ErrKindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
