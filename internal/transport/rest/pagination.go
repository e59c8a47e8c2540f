package rest

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
)

var errBadCursor = errors.New("bad cursor")

const (
	defaultLimit = 20
	maxLimit     = 100
)

func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultLimit
	}
	return min(max(n, 1), maxLimit)
}

// keyset cursor = base64url("RFC3339Nano|uuid")
func encodeCursor(c *domain.KeysetCursor) string {
	if c == nil {
		return ""
	}
	raw := c.At.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*domain.KeysetCursor, error) {
	parts, err := cursorParts(s, 2)
	if parts == nil || err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, errBadCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, errBadCursor
	}
	return &domain.KeysetCursor{At: t, ID: id}, nil
}

// rank cursor = base64url("score|RFC3339Nano|uuid")
func encodeRankCursor(c *domain.RankCursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.Score, 10) + "|" + c.JoinedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeRankCursor(s string) (*domain.RankCursor, error) {
	parts, err := cursorParts(s, 3)
	if parts == nil || err != nil {
		return nil, err
	}
	score, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, errBadCursor
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, errBadCursor
	}
	return &domain.RankCursor{Score: score, JoinedAt: t, ID: id}, nil
}

// cursorParts returns nil, nil for an empty cursor.
func cursorParts(s string, n int) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != n {
		return nil, errBadCursor
	}
	return parts, nil
}
