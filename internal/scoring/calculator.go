package scoring

import (
	"encoding/hex"
	"fmt"
	"time"
)

const BaseScore int64 = 1000

const msPerDay int64 = 24 * 60 * 60 * 1000

// Coefficients are the moduli of the score formula. They are fixed for the
// lifetime of a process so that one drop's ranking stays comparable.
type Coefficients struct {
	A int64
	B int64
	C int64
}

// CoefficientsFromSeed reads bytes 0..2 of the hex seed:
// A = 7 + b0%5, B = 13 + b1%7, C = 3 + b2%3.
func CoefficientsFromSeed(seed string) (Coefficients, error) {
	if len(seed) != 12 {
		return Coefficients{}, fmt.Errorf("%w: %q", ErrInvalidSeed, seed)
	}
	b, err := hex.DecodeString(seed[:6])
	if err != nil {
		return Coefficients{}, fmt.Errorf("%w: %q", ErrInvalidSeed, seed)
	}
	return Coefficients{
		A: 7 + int64(b[0])%5,
		B: 13 + int64(b[1])%7,
		C: 3 + int64(b[2])%3,
	}, nil
}

// Signals are the behavioural inputs gathered at join time.
type Signals struct {
	SignupLatencyMs int64
	AccountAgeDays  int64
	RapidActions    int64
}

// SignalsAt derives join signals from the account creation time and the
// number of joins the user made in the trailing hour before this one.
func SignalsAt(accountCreatedAt, now time.Time, recentJoins int64) Signals {
	latency := now.Sub(accountCreatedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	if recentJoins < 0 {
		recentJoins = 0
	}
	return Signals{
		SignupLatencyMs: latency,
		AccountAgeDays:  latency / msPerDay,
		RapidActions:    recentJoins + 1,
	}
}

type Calculator struct {
	coef Coefficients
}

func NewCalculator(c Coefficients) (*Calculator, error) {
	if c.A <= 0 || c.B <= 0 || c.C <= 0 {
		return nil, fmt.Errorf("coefficients must be positive: %+v", c)
	}
	return &Calculator{coef: c}, nil
}

func (c *Calculator) Coefficients() Coefficients { return c.coef }

// Score = max(0, 1000 + latency%A + age%B - rapid%C), inputs clamped to >= 0.
func (c *Calculator) Score(s Signals) int64 {
	latency := max(s.SignupLatencyMs, 0)
	age := max(s.AccountAgeDays, 0)
	rapid := max(s.RapidActions, 0)

	score := BaseScore + latency%c.coef.A + age%c.coef.B - rapid%c.coef.C
	return max(score, 0)
}
