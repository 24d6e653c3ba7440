package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RoleAdmin = "admin"

// JwtCustomClaim is the session issued by the identity service.
type JwtCustomClaim struct {
	ID       string   `json:"id"`
	TenantId string   `json:"tenant_id"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	Cohorts  []string `json:"cohorts,omitempty"`
	jwt.StandardClaims
}

func (c *JwtCustomClaim) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

func getJwtSecret() []byte {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return []byte("Mileage-Secret")
	}
	return []byte(secret)
}

// JwtGenerate signs a session for tooling and tests; TOKEN_HOUR_LIFESPAN sets the expiry (default 24h).
func JwtGenerate(claim JwtCustomClaim) (string, error) {
	lifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 24
	}
	now := time.Now()
	claim.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(time.Hour * time.Duration(lifespan)).Unix(),
		IssuedAt:  now.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &claim)
	return t.SignedString(getJwtSecret())
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return getJwtSecret(), nil
	})
}
