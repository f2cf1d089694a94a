package upstream

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_KnownCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name: "bad username or password",
			code: "MSIS7065",
			want: "Invalid pricing authority username or password. Please verify credentials.",
		},
		{
			name: "bad client id or secret",
			code: "MSIS9605",
			want: "Invalid pricing authority client ID or secret. Please verify OAuth credentials.",
		},
		{
			name: "bad scope",
			code: "MSIS9611",
			want: "Invalid pricing authority scope value. Please verify environment configuration.",
		},
		{
			name: "expired or reused grant",
			code: "invalid_grant",
			want: "Pricing authority OAuth credentials expired or already used. Please contact support.",
		},
		{
			name: "invalid client",
			code: "invalid_client",
			want: "Invalid pricing authority OAuth client credentials.",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.code, tc.description))
		})
	}
}

func TestClassify_CodeInsideDescription(t *testing.T) {
	t.Parallel()

	// Код часто зашит внутрь error_description, а error содержит
	// стандартный OAuth-код; приоритет у точного MSIS-кода.
	got := Classify("invalid_request", "MSIS9605: Invalid client or client credentials.")
	require.Equal(t, "Invalid pricing authority client ID or secret. Please verify OAuth credentials.", got)
}

func TestClassify_RedeemedCodeProducesStableMessage(t *testing.T) {
	t.Parallel()

	got := Classify("invalid_grant", "MSIS9312: Received invalid OAuth request. Code was already redeemed.")
	require.Equal(t, "Pricing authority OAuth credentials expired or already used. Please contact support.", got)
}

func TestClassify_Unknown(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"pricing authority OAuth error: something odd happened",
		Classify("server_error", "something odd happened"),
	)
	require.Equal(t,
		"pricing authority OAuth error: server_error",
		Classify("server_error", ""),
	)
	require.Equal(t,
		"pricing authority OAuth error: unknown error",
		Classify("", ""),
	)
}

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	t.Run("oauth error body", func(t *testing.T) {
		t.Parallel()

		body := []byte(`{"error":"invalid_client","error_description":"MSIS9605: Invalid client."}`)
		got := classifyResponse(http.StatusBadRequest, body)
		require.Equal(t, "Invalid pricing authority client ID or secret. Please verify OAuth credentials.", got)
	})

	t.Run("unparseable body falls back to status", func(t *testing.T) {
		t.Parallel()

		got := classifyResponse(http.StatusBadGateway, []byte("<html>Bad Gateway</html>"))
		require.Equal(t, "pricing authority OAuth request failed with status 502", got)
	})

	t.Run("empty json body falls back to status", func(t *testing.T) {
		t.Parallel()

		got := classifyResponse(http.StatusInternalServerError, []byte("{}"))
		require.Equal(t, "pricing authority OAuth request failed with status 500", got)
	})
}
