package relay

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/hutch/pkg/types"
)

// ParseRequest decodes a decrypted direct message into one of
// *types.SpawnRequest, *types.TopupRequest, or *types.StatusRequest.
//
// Requests travel without a discriminator tag. An explicit "type" field
// wins when present; otherwise the shape decides, spawn first: a token
// next to an image is a spawn, a token next to a workload handle is a
// topup, a bare workload id is a status query.
func ParseRequest(data []byte) (interface{}, error) {
	var probe struct {
		Type       string `json:"type"`
		CashuToken string `json:"cashu_token"`
		PodImage   string `json:"pod_image"`
		PodNpub    string `json:"pod_npub"`
		PodID      string `json:"pod_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, types.NewRequestError(types.ErrKindInvalidRequest, "failed to parse request").
			WithDetails(err.Error())
	}

	kind := probe.Type
	if kind == "" {
		switch {
		case probe.CashuToken != "" && probe.PodImage != "":
			kind = types.RequestTypeSpawn
		case probe.CashuToken != "" && probe.PodNpub != "":
			kind = types.RequestTypeTopup
		case probe.PodID != "":
			kind = types.RequestTypeStatus
		}
	}

	switch kind {
	case types.RequestTypeSpawn:
		var req types.SpawnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "failed to parse spawn request").
				WithDetails(err.Error())
		}
		if req.CashuToken == "" {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "cashu_token is required")
		}
		if req.PodImage == "" {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "pod_image is required")
		}
		return &req, nil

	case types.RequestTypeTopup:
		var req types.TopupRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "failed to parse topup request").
				WithDetails(err.Error())
		}
		if req.PodNpub == "" {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "pod_npub is required")
		}
		if req.CashuToken == "" {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "cashu_token is required")
		}
		return &req, nil

	case types.RequestTypeStatus:
		var req types.StatusRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "failed to parse status request").
				WithDetails(err.Error())
		}
		if req.PodID == "" {
			return nil, types.NewRequestError(types.ErrKindInvalidRequest, "pod_id is required")
		}
		return &req, nil
	}

	return nil, types.NewRequestError(types.ErrKindInvalidRequest, "unrecognized request shape")
}

// ParseResponse decodes a provider reply into one of *types.AccessDetails,
// *types.ErrorResponse, *types.StatusResponse, or *types.TopupResponse.
// Replies normally carry a "type" tag; untagged replies from older
// providers are inferred from their shape.
func ParseResponse(data []byte) (interface{}, error) {
	var probe struct {
		Type         string   `json:"type"`
		ErrorType    string   `json:"error_type"`
		Instructions []string `json:"instructions"`
		Status       string   `json:"status"`
		AddedSeconds *uint64  `json:"added_seconds"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	kind := probe.Type
	if kind == "" {
		switch {
		case probe.ErrorType != "":
			kind = types.ResponseTypeError
		case len(probe.Instructions) > 0:
			kind = types.ResponseTypeAccessDetails
		case probe.Status != "":
			kind = types.ResponseTypeStatus
		case probe.AddedSeconds != nil:
			kind = types.ResponseTypeTopup
		}
	}

	switch kind {
	case types.ResponseTypeAccessDetails:
		var resp types.AccessDetails
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse access details: %w", err)
		}
		return &resp, nil
	case types.ResponseTypeError:
		var resp types.ErrorResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse error response: %w", err)
		}
		return &resp, nil
	case types.ResponseTypeStatus:
		var resp types.StatusResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse status response: %w", err)
		}
		return &resp, nil
	case types.ResponseTypeTopup:
		var resp types.TopupResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse topup response: %w", err)
		}
		return &resp, nil
	}

	return nil, fmt.Errorf("unknown response type %q", probe.Type)
}
