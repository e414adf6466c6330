package authority

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

func testClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
}

func testGrant(principal, grantee string, ceiling int64) *contracts.AuthorityGrant {
	return &contracts.AuthorityGrant{
		SchemaVersion:     contracts.SchemaAuthorityGrant,
		GrantID:           "grant_" + strings.Repeat("a", 64),
		PrincipalAgentID:  principal,
		GranteeAgentID:    grantee,
		Scope:             []string{"tool.echo"},
		SpendCeilingCents: ceiling,
		Currency:          "USD",
		ValidFrom:         "2026-01-01T00:00:00.000Z",
		ValidUntil:        "2027-01-01T00:00:00.000Z",
		SignerKeyID:       "key_" + principal,
		CreatedAt:         "2026-01-01T00:00:00.000Z",
	}
}

func testAgreement() *contracts.ToolCallAgreement {
	return &contracts.ToolCallAgreement{
		SchemaVersion: contracts.SchemaToolCallAgreement,
		ToolID:        "tool.echo",
		ManifestHash:  strings.Repeat("b", 64),
		CallID:        "call_001",
		InputHash:     strings.Repeat("c", 64),
		SettlementTerms: contracts.SettlementTerms{
			AmountCents:       10000,
			Currency:          "USD",
			HoldbackBps:       500,
			ChallengeWindowMs: 86_400_000,
			PolicyID:          "policy.echo",
		},
		PayerAgentID:  "agent_payer",
		PayeeAgentID:  "agent_payee",
		CreatedAt:     "2026-06-01T00:00:00.000Z",
		AgreementHash: strings.Repeat("d", 64),
	}
}

func TestValidateChainDirectGrant(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	chain := []*contracts.AuthorityGrant{testGrant("agent_principal", "agent_payer", 50000)}
	require.NoError(t, v.ValidateChain(chain, testAgreement()))
}

func TestValidateChainEmpty(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	err := v.ValidateChain(nil, testAgreement())
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeAuthorityInvalid))
}

func TestValidateChainExpired(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	g := testGrant("agent_principal", "agent_payer", 50000)
	g.ValidUntil = "2026-02-01T00:00:00.000Z"
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeAuthorityInvalid))
}

func TestValidateChainRevoked(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	g := Revoke(testGrant("agent_principal", "agent_payer", 50000), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeAuthorityInvalid))
}

func TestValidateChainCeilingExceeded(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	g := testGrant("agent_principal", "agent_payer", 5000)
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeAuthorityInvalid))
}

func TestValidateChainScope(t *testing.T) {
	v := NewValidator().WithClock(testClock())

	g := testGrant("agent_principal", "agent_payer", 50000)
	g.Scope = []string{"tool.other"}
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)

	g.Scope = []string{"tool.*"}
	require.NoError(t, v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement()))

	g.Scope = []string{"*"}
	require.NoError(t, v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement()))
}

func TestValidateChainDelegation(t *testing.T) {
	v := NewValidator().WithClock(testClock())

	root := testGrant("agent_org", "agent_delegate", 50000)
	leaf := testGrant("agent_delegate", "agent_payer", 20000)
	require.NoError(t, v.ValidateChain([]*contracts.AuthorityGrant{root, leaf}, testAgreement()))

	// Broken link: leaf principal is not the root grantee.
	stranger := testGrant("agent_stranger", "agent_payer", 20000)
	err := v.ValidateChain([]*contracts.AuthorityGrant{root, stranger}, testAgreement())
	require.Error(t, err)

	// Delegation cannot widen the ceiling.
	wide := testGrant("agent_delegate", "agent_payer", 90000)
	err = v.ValidateChain([]*contracts.AuthorityGrant{root, wide}, testAgreement())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestValidateChainCurrencyMismatch(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	g := testGrant("agent_principal", "agent_payer", 50000)
	g.Currency = "EUR"
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)
}

func TestValidateChainWrongTailGrantee(t *testing.T) {
	v := NewValidator().WithClock(testClock())
	g := testGrant("agent_principal", "agent_someone_else", 50000)
	err := v.ValidateChain([]*contracts.AuthorityGrant{g}, testAgreement())
	require.Error(t, err)
}

func TestGrantTokenRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	codec := NewTokenCodec("settld-kernel-test")
	g := testGrant("agent_principal", "agent_payer", 50000)

	token, err := codec.Encode(g, priv)
	require.NoError(t, err)

	decoded, err := codec.Decode(token, pub)
	require.NoError(t, err)
	assert.Equal(t, g.GrantID, decoded.GrantID)
	assert.Equal(t, g.SpendCeilingCents, decoded.SpendCeilingCents)
	assert.Equal(t, g.Scope, decoded.Scope)
}

func TestGrantTokenRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	codec := NewTokenCodec("settld-kernel-test")
	token, err := codec.Encode(testGrant("agent_principal", "agent_payer", 50000), priv)
	require.NoError(t, err)

	_, err = codec.Decode(token, otherPub)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSignatureInvalid))
}
