package statewire

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// connect tokens for the websocket listener's optional auth gate.
// Verification strategy is the caller's via `WsSettings.AuthVerify`;
// this only extracts claims.

type ByJwt struct {
	UserId   Id
	ClientId Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	if byJwtStr == "" {
		return nil, errors.New("Missing jwt.")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}
