package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/streamclub/allocator/pkg/enums"
)

// AccessTokenPayload is what the chat front-end asserts about the caller.
type AccessTokenPayload struct {
	UserID int64
	Role   enums.Role
	JTI    string
}

// AccessTokenClaims is the typed JWT body.
type AccessTokenClaims struct {
	UserID int64      `json:"uid"`
	Role   enums.Role `json:"role"`
	jwt.RegisteredClaims
}

// RoleFor returns RoleAdmin for ids in admins.
func RoleFor(userID int64, admins map[int64]struct{}) enums.Role {
	if _, ok := admins[userID]; ok {
		return enums.RoleAdmin
	}
	return enums.RoleUser
}
