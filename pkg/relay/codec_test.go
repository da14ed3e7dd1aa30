package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestParseRequestStructuralInference(t *testing.T) {
	tests := []struct {
		name string
		body string
		want interface{}
	}{
		{
			name: "spawn from token and image",
			body: `{"cashu_token":"cashuAeyJ0b2tlbiI","pod_image":"alpine","ssh_username":"root","ssh_password":"x"}`,
			want: &types.SpawnRequest{CashuToken: "cashuAeyJ0b2tlbiI", PodImage: "alpine", SSHUsername: "root", SSHPassword: "x"},
		},
		{
			name: "spawn with tier",
			body: `{"cashu_token":"tok","pod_image":"ubuntu","pod_spec_id":"pro"}`,
			want: &types.SpawnRequest{CashuToken: "tok", PodImage: "ubuntu", PodSpecID: "pro"},
		},
		{
			name: "topup from token and handle",
			body: `{"cashu_token":"tok","pod_npub":"container-1001"}`,
			want: &types.TopupRequest{CashuToken: "tok", PodNpub: "container-1001"},
		},
		{
			name: "status from pod id",
			body: `{"pod_id":"1001"}`,
			want: &types.StatusRequest{PodID: "1001"},
		},
		{
			name: "explicit type wins over shape",
			body: `{"type":"status","pod_id":"container-1001","cashu_token":"tok"}`,
			want: &types.StatusRequest{PodID: "container-1001"},
		},
		{
			name: "spawn outranks topup when both shapes match",
			body: `{"cashu_token":"tok","pod_image":"alpine","pod_npub":"container-7"}`,
			want: &types.SpawnRequest{CashuToken: "tok", PodImage: "alpine"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `pay me maybe`},
		{name: "empty object", body: `{}`},
		{name: "token without image or handle", body: `{"cashu_token":"tok"}`},
		{name: "typed spawn missing token", body: `{"type":"spawn","pod_image":"alpine"}`},
		{name: "typed topup missing handle", body: `{"type":"topup","cashu_token":"tok"}`},
		{name: "typed status missing id", body: `{"type":"status"}`},
		{name: "unknown type", body: `{"type":"reboot"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.body))
			require.Error(t, err)

			var reqErr *types.RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, types.ErrKindInvalidRequest, reqErr.Kind)
		})
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want interface{}
	}{
		{
			name: "access details",
			body: `{"type":"access_details","pod_npub":"container-1001","node_port":30042,"expires_at":"2026-08-25T12:00:00Z","cpu_millicores":1000,"memory_mb":1024,"pod_spec_name":"basic","pod_spec_description":"","instructions":["ssh -p 30042 root@host"]}`,
			want: &types.AccessDetails{
				Type:          types.ResponseTypeAccessDetails,
				PodNpub:       "container-1001",
				NodePort:      30042,
				ExpiresAt:     "2026-08-25T12:00:00Z",
				CPUMillicores: 1000,
				MemoryMB:      1024,
				PodSpecName:   "basic",
				Instructions:  []string{"ssh -p 30042 root@host"},
			},
		},
		{
			name: "error response",
			body: `{"type":"error","error_type":"token_already_used","message":"token already redeemed","details":null}`,
			want: &types.ErrorResponse{Type: types.ResponseTypeError, ErrorType: "token_already_used", Message: "token already redeemed"},
		},
		{
			name: "status response",
			body: `{"type":"status_response","pod_id":"1001","status":"running","expires_at":"2026-08-25T12:00:00Z","time_remaining_seconds":55,"cpu_millicores":500,"memory_mb":512,"host":"1.2.3.4","node_port":30042,"ssh_username":"root"}`,
			want: &types.StatusResponse{
				Type:                 types.ResponseTypeStatus,
				PodID:                "1001",
				Status:               "running",
				ExpiresAt:            "2026-08-25T12:00:00Z",
				TimeRemainingSeconds: 55,
				CPUMillicores:        500,
				MemoryMB:             512,
				Host:                 "1.2.3.4",
				NodePort:             30042,
				SSHUsername:          "root",
			},
		},
		{
			name: "topup response",
			body: `{"type":"topup_response","pod_npub":"container-1001","expires_at":"2026-08-25T13:00:00Z","added_seconds":120}`,
			want: &types.TopupResponse{Type: types.ResponseTypeTopup, PodNpub: "container-1001", ExpiresAt: "2026-08-25T13:00:00Z", AddedSeconds: 120},
		},
		{
			name: "untagged error inferred",
			body: `{"error_type":"invalid_token","message":"bad token"}`,
			want: &types.ErrorResponse{ErrorType: "invalid_token", Message: "bad token"},
		},
		{
			name: "untagged access details inferred",
			body: `{"pod_npub":"container-3","instructions":["ssh root@h"]}`,
			want: &types.AccessDetails{PodNpub: "container-3", Instructions: []string{"ssh root@h"}},
		},
		{
			name: "untagged status inferred",
			body: `{"pod_id":"3","status":"expired"}`,
			want: &types.StatusResponse{PodID: "3", Status: "expired"},
		},
		{
			name: "untagged topup inferred",
			body: `{"pod_npub":"container-3","added_seconds":0}`,
			want: &types.TopupResponse{PodNpub: "container-3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResponseRejects(t *testing.T) {
	_, err := ParseResponse([]byte(`{"hello":"world"}`))
	assert.Error(t, err)

	_, err = ParseResponse([]byte(`not json`))
	assert.Error(t, err)
}
