// Package auth provides authentication primitives for cpx-gateway.
//
// # Authentication Methods
//
// The package supports the surfaces the gateway exposes:
//
//   - Salted RSA handshake: agent browsers log in by encrypting
//     salt||password with the node's public key (PKCS#1 v1.5). The salt is
//     issued per session by get_salt and must prefix the decrypted
//     credential. The node key lives in a PEM file (auth.key_path) and is
//     loaded once at startup.
//
//   - bcrypt passwords: agent account passwords are stored as bcrypt
//     hashes. Unknown-user login attempts burn a dummy comparison so timing
//     does not reveal which logins exist.
//
//   - JWT bearer tokens: the ops API authenticates with HS256 tokens signed
//     by auth.jwt_secret. Tokens are minted by `cpx-gateway bootstrap` and
//     carry the operator name in the "sub" claim.
//
// # Handshake Flow
//
//	e, n := auth.PublicKeyHex(key)            // served by get_salt
//	cipher := auth.EncryptSalted(pub, salt, password) // client side
//	password, err := auth.DecryptSalted(key, cipher, salt)
//
// DecryptSalted distinguishes ErrDecryptFailed (bad ciphertext) from
// ErrSaltMismatch (stale or missing salt); the dispatcher maps these to the
// DECRYPT_FAILED and NO_SALT error codes.
//
// # Ops Tokens
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("oncall", 30*24*time.Hour)
//	subject, err := verifier.Verify(token)
//
// BearerMiddleware wraps ops handlers and attaches the verified subject to
// the request context (FromContext).
package auth
