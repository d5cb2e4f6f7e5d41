package memoria

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// fieldSep joins hash inputs. A unit separator cannot appear in
// normalized text, so concatenation is unambiguous.
const fieldSep = "\x1f"

// NormalizeText canonicalizes memory text for fingerprinting:
// lowercase, collapse all whitespace runs to single spaces, strip
// trailing punctuation. Changing these rules invalidates every stored
// idempotency key, so they are part of the persistence contract.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// Fingerprint derives the idempotency key for a memory:
// hex(SHA256(normalized_text ‖ 0x1F ‖ type)).
func Fingerprint(text string, typ MemoryType) string {
	h := sha256.Sum256([]byte(NormalizeText(text) + fieldSep + string(typ)))
	return hex.EncodeToString(h[:])
}

// TaskID derives a deterministic task id from the submission inputs:
// hex(SHA256(kind ‖ 0x1F ‖ user ‖ 0x1F ‖ conversation-or-empty ‖ 0x1F ‖ payload_hash)).
// Duplicate submissions within the dedup window map to the same id.
func TaskID(kind TaskKind, userID, conversationID, payloadHash string) string {
	h := sha256.Sum256([]byte(string(kind) + fieldSep + userID + fieldSep + conversationID + fieldSep + payloadHash))
	return hex.EncodeToString(h[:])
}

// PayloadHash hashes a task's canonical payload string.
func PayloadHash(payload string) string {
	h := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(h[:])
}
