package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"titan/pkg/models"
)

// redactRecord strips strategy internals from a record before storage:
// the actor hash is re-salted and the raw payload is reduced to its
// content hash plus the non-sensitive routing fields.
func redactRecord(rec Record, salt []byte) Record {
	if rec.ActorHash != "" {
		rec.ActorHash = hashString(rec.ActorHash, salt)
	}
	rec.Payload = redactPayload(rec.Payload, salt)
	return rec
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var sig models.Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		b, _ := json.Marshal(map[string]interface{}{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	// Entry zones, stops and take profits are the strategy's edge; only
	// their hash survives into the record.
	redacted := map[string]interface{}{
		"signal_id":      sig.SignalID,
		"symbol":         sig.Symbol,
		"direction":      sig.Direction,
		"source":         sig.Source,
		"t_signal":       sig.TSignal,
		"requested_size": sig.RequestedSize,
		"leverage":       sig.Leverage,
		"payload_hash":   hashJSONRaw(raw, salt),
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashJSONRaw(raw json.RawMessage, salt []byte) string {
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
