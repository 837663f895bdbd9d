// ABOUTME: Instance identity token verification for VM-originated requests
// ABOUTME: RS256 JWTs carrying a compute claim that must match the agent's recorded instance

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/paddock-run/paddock/internal/store"
)

// Token errors
var (
	ErrInvalidToken     = errors.New("invalid identity token")
	ErrExpiredToken     = errors.New("identity token expired")
	ErrMissingClaim     = errors.New("missing required claim")
	ErrIdentityMismatch = errors.New("instance identity mismatch")
)

// Instance is the verified identity extracted from a token's compute claim.
type Instance struct {
	Name      string
	Zone      string
	ProjectID string
	SignedBy  string // signer email from the token
}

type computeEngineClaim struct {
	ProjectID    string `json:"project_id"`
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	Zone         string `json:"zone"`
}

type googleClaim struct {
	ComputeEngine *computeEngineClaim `json:"compute_engine"`
}

type instanceClaims struct {
	jwt.RegisteredClaims
	Email  string      `json:"email"`
	Google googleClaim `json:"google"`
}

// Verifier validates signed instance identity tokens presented by agent VMs.
//
// All checks fail closed: a token is good only if the signature verifies
// against a known signer key, the standard time/issuer/audience claims hold,
// the signer identity matches, and the embedded compute claim names a
// concrete instance. Anything less is a rejection.
type Verifier struct {
	keys        KeyProvider
	issuer      string
	audience    string
	signerEmail string
	leeway      time.Duration
	now         func() time.Time
}

// Config holds the expected token parameters.
type Config struct {
	Issuer      string
	Audience    string
	SignerEmail string
	Leeway      time.Duration
}

// NewVerifier creates a verifier for tokens signed by the keys in provider.
func NewVerifier(provider KeyProvider, cfg Config) *Verifier {
	return &Verifier{
		keys:        provider,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		signerEmail: cfg.SignerEmail,
		leeway:      cfg.Leeway,
		now:         time.Now,
	}
}

// Verify validates the token and extracts the instance identity from its
// compute claim. A structurally valid token without the compute claim is
// rejected with ErrMissingClaim; bearer validity alone proves nothing about
// which VM is calling.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Instance, error) {
	claims := &instanceClaims{}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		return v.keys.PublicKey(ctx, kid)
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	signer := claims.Email
	if signer == "" {
		signer = claims.Subject
	}
	if v.signerEmail != "" && signer != v.signerEmail {
		return nil, fmt.Errorf("%w: token signed by %q", ErrInvalidToken, signer)
	}

	ce := claims.Google.ComputeEngine
	if ce == nil {
		return nil, fmt.Errorf("%w: google.compute_engine", ErrMissingClaim)
	}
	if ce.InstanceName == "" {
		return nil, fmt.Errorf("%w: google.compute_engine.instance_name", ErrMissingClaim)
	}
	if ce.Zone == "" {
		return nil, fmt.Errorf("%w: google.compute_engine.zone", ErrMissingClaim)
	}

	return &Instance{
		Name:      ce.InstanceName,
		Zone:      ce.Zone,
		ProjectID: ce.ProjectID,
		SignedBy:  signer,
	}, nil
}

// VerifyForAgent runs Verify and then binds the result to a specific agent:
// the token's instance name and zone must exactly match what provisioning
// recorded on the document. An agent without a recorded instance cannot be
// reported for at all.
func (v *Verifier) VerifyForAgent(ctx context.Context, tokenString string, agent *store.Agent) (*Instance, error) {
	inst, err := v.Verify(ctx, tokenString)
	if err != nil {
		return nil, err
	}

	if agent.InstanceName == "" || agent.InstanceZone == "" {
		return nil, fmt.Errorf("agent %s has no recorded instance: %w", agent.ID, ErrIdentityMismatch)
	}
	if inst.Name != agent.InstanceName || inst.Zone != agent.InstanceZone {
		return nil, fmt.Errorf("token for %s/%s, agent %s is %s/%s: %w",
			inst.Name, inst.Zone, agent.ID, agent.InstanceName, agent.InstanceZone,
			ErrIdentityMismatch)
	}

	return inst, nil
}
