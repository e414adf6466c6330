package authority

import (
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// GrantClaims embeds an authority grant in a JWT so it can travel between
// parties over ordinary bearer-token plumbing. The token is transport
// packaging only: the embedded grant is re-validated like any other.
type GrantClaims struct {
	jwt.RegisteredClaims
	Grant *contracts.AuthorityGrant `json:"grant"`
}

// TokenCodec signs and verifies grant tokens with ed25519 keys.
type TokenCodec struct {
	issuer string
}

func NewTokenCodec(issuer string) *TokenCodec {
	return &TokenCodec{issuer: issuer}
}

// Encode wraps a grant in a signed JWT whose validity window mirrors the
// grant's own.
func (c *TokenCodec) Encode(g *contracts.AuthorityGrant, priv ed25519.PrivateKey) (string, error) {
	from, err := canonical.ParseTime(g.ValidFrom)
	if err != nil {
		return "", contracts.Errorf(contracts.CodeSchemaInvalid, "grant validFrom: %v", err)
	}
	until, err := canonical.ParseTime(g.ValidUntil)
	if err != nil {
		return "", contracts.Errorf(contracts.CodeSchemaInvalid, "grant validUntil: %v", err)
	}
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        g.GrantID,
			Subject:   g.GranteeAgentID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			NotBefore: jwt.NewNumericDate(from),
			ExpiresAt: jwt.NewNumericDate(until),
		},
		Grant: g,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", contracts.Errorf(contracts.CodeSignatureInvalid, "grant token signing failed: %v", err)
	}
	return signed, nil
}

// Decode verifies a grant token and returns the embedded grant. The caller
// still runs ValidateChain on the result; Decode only proves transport
// integrity.
func (c *TokenCodec) Decode(tokenString string, pub ed25519.PublicKey) (*contracts.AuthorityGrant, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, contracts.Errorf(contracts.CodeSignatureInvalid, "unexpected signing method %q", t.Method.Alg())
		}
		return pub, nil
	}, jwt.WithIssuer(c.issuer))
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSignatureInvalid, "grant token rejected: %v", err)
	}
	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid || claims.Grant == nil {
		return nil, contracts.Errorf(contracts.CodeSignatureInvalid, "grant token carries no grant")
	}
	return claims.Grant, nil
}
