// Package crypto holds the primitives behind a peer session's key exchange.
//
// Contents
//
//   - Node key pairs: RSA generation, PKCS#8 persistence and PEM public keys
//     (GenerateKeyPair, LoadOrGenerateKeyPair, ParsePublicKey)
//   - Symmetric key transport with RSA-OAEP/SHA-256 (WrapKey, KeyPair.UnwrapKey)
//   - AES-256-GCM message sealing with a fresh random nonce per message
//     (SessionCipher)
//   - Short public key fingerprints for logs and status output (Fingerprint)
//
// # Wire layout
//
// A sealed message is nonce(12) || tag(16) || ciphertext. The tag is moved
// in front of the ciphertext so the layout matches what peers written in
// other languages produce.
package crypto
