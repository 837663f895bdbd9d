// Package auth provides session authentication for the paddock relay.
//
// # Session Tokens
//
// Browsers and API clients authenticate with JWT session tokens signed
// HS256 using the configured session secret. A token's "sub" claim names
// the user it belongs to; "iss" must be "paddock" and "exp" is required.
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("user-1", 24*time.Hour)
//	userID, err := verifier.Verify(token)
//
// # Token Extraction
//
// TokenFromRequest accepts, in order: the Authorization bearer header, the
// paddock_session cookie, and the access_token query parameter. The query
// form exists because browser WebSocket clients cannot set headers on the
// upgrade request.
//
// # Middleware
//
// Middleware guards API routes, rejecting unauthenticated requests with a
// 401 JSON error and storing the user ID in the request context:
//
//	userID := auth.UserFromContext(r.Context())
//
// RequireCaller pins an endpoint to a single expected subject and answers
// 403 for anyone else; the reaper trigger uses it so only the scheduler
// identity can start sweeps.
//
// VM instance-identity verification is separate; see internal/identity.
package auth
