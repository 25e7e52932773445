package sails

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId    string
	UserAuth  string
	ExpiresAt time.Time
}

// the server-issued bearer token is opaque to the client except for its
// claims, which decide when a re-login is needed. signature verification
// is the server's job.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			byJwt.UserId = subStr
		}
	}
	if userAuth, ok := claims["user_auth"]; ok {
		if userAuthStr, ok := userAuth.(string); ok {
			byJwt.UserAuth = userAuthStr
		}
	}
	if exp, ok := claims["exp"]; ok {
		if expFloat, ok := exp.(float64); ok {
			byJwt.ExpiresAt = time.Unix(int64(expFloat), 0)
		}
	}

	return byJwt, nil
}

func (self *ByJwt) IsExpired() bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return self.ExpiresAt.Before(time.Now())
}
