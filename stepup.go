package sessionguard

import (
	"time"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

// StepUpPolicy requires a recently issued access token for sensitive actions.
type StepUpPolicy struct {
	MaxAge time.Duration
	Clock  func() time.Time
}

// RequireFresh returns ErrStepUpRequired when the token was issued more than
// MaxAge ago. A token without iat is never fresh.
func (p StepUpPolicy) RequireFresh(claims *crypto.Claims) error {
	iat := claims.IssuedAtTime()
	if iat.IsZero() {
		return ErrStepUpRequired
	}
	now := time.Now()
	if p.Clock != nil {
		now = p.Clock()
	}
	if now.Sub(iat) > p.MaxAge {
		return ErrStepUpRequired
	}
	return nil
}
