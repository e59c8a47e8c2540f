package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", tt.header)
		got, ok := bearerToken(r)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.RemoteAddr = "no-port"
	assert.Equal(t, "no-port", clientIP(r))
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))

	for _, bad := range []string{"has space", strings.Repeat("x", maxRequestIDLen+1), "tab\there"} {
		rr = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, bad)
		h.ServeHTTP(rr, req)
		_, err := uuid.Parse(rr.Header().Get(requestIDHeader))
		assert.NoError(t, err, "replaced %q", bad)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, defaultLimit, parseLimit(""))
	assert.Equal(t, defaultLimit, parseLimit("abc"))
	assert.Equal(t, 1, parseLimit("0"))
	assert.Equal(t, 1, parseLimit("-4"))
	assert.Equal(t, 7, parseLimit(" 7 "))
	assert.Equal(t, maxLimit, parseLimit("1000"))
}

func TestCursors(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 42, time.UTC)
	id := uuid.New()

	k, err := decodeCursor(encodeCursor(&domain.KeysetCursor{At: at, ID: id}))
	require.NoError(t, err)
	require.True(t, at.Equal(k.At))
	require.Equal(t, id, k.ID)

	rc, err := decodeRankCursor(encodeRankCursor(&domain.RankCursor{Score: 1013, JoinedAt: at, ID: id}))
	require.NoError(t, err)
	require.EqualValues(t, 1013, rc.Score)
	require.True(t, at.Equal(rc.JoinedAt))

	empty, err := decodeCursor("")
	require.NoError(t, err)
	require.Nil(t, empty)
	require.Equal(t, "", encodeCursor(nil))

	// a keyset cursor is not a rank cursor
	_, err = decodeRankCursor(encodeCursor(&domain.KeysetCursor{At: at, ID: id}))
	require.ErrorIs(t, err, errBadCursor)
	_, err = decodeCursor("***")
	require.ErrorIs(t, err, errBadCursor)
}
