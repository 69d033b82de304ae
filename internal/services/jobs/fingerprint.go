package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/halcyonworks/renderq/internal/models"
)

// Fingerprint derives an idempotency key from the submission content when
// the client does not supply one. Identical resubmissions from the same
// owner therefore deduplicate without explicit keys. The params are
// canonicalized through a map so key order is stable, and a version tag is
// folded in so the scheme can change without colliding with old bindings.
func Fingerprint(params models.SubmissionParams, owner string) string {
	raw, _ := json.Marshal(params)
	var canonical map[string]interface{}
	_ = json.Unmarshal(raw, &canonical)

	// Maps marshal with sorted keys, which makes the digest stable
	payload, _ := json.Marshal(map[string]interface{}{
		"owner":   owner,
		"params":  canonical,
		"version": "v1",
	})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
