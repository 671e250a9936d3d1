package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TransferFlags is the validated set of transfer options accepted from
// clients and forwarded to agents. Unknown keys are rejected at parse time
// so arbitrary options can never be injected into the agent RPC payload.
//
// Defaults (zero values) are never forwarded:
//
//	checksum        false  compare checksums instead of modtime+size
//	sizeOnly        false  compare sizes only
//	ignoreExisting  false  skip files that exist at the destination
//	fastList        false  use recursive listing if the backend supports it
//	transfers       0      parallel file transfers (0 = agent default)
//	checkers        0      parallel checkers (0 = agent default)
//	bwlimit         ""     bandwidth limit, e.g. "10M" ("" = unlimited)
type TransferFlags struct {
	Checksum       bool   `json:"checksum,omitempty"`
	SizeOnly       bool   `json:"sizeOnly,omitempty"`
	IgnoreExisting bool   `json:"ignoreExisting,omitempty"`
	FastList       bool   `json:"fastList,omitempty"`
	Transfers      int    `json:"transfers,omitempty"`
	Checkers       int    `json:"checkers,omitempty"`
	BwLimit        string `json:"bwlimit,omitempty"`
}

func ParseFlags(raw json.RawMessage) (TransferFlags, error) {
	var flags TransferFlags
	if len(raw) == 0 {
		return flags, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&flags); err != nil {
		return TransferFlags{}, fmt.Errorf("invalid flags: %w", err)
	}

	if flags.Transfers < 0 || flags.Checkers < 0 {
		return TransferFlags{}, fmt.Errorf("invalid flags: transfers and checkers must be non-negative")
	}

	return flags, nil
}

// Payload returns only the non-default options, keyed the way the agent
// rc protocol expects them.
func (f TransferFlags) Payload() map[string]any {
	payload := make(map[string]any)

	if f.Checksum {
		payload["checksum"] = true
	}
	if f.SizeOnly {
		payload["sizeOnly"] = true
	}
	if f.IgnoreExisting {
		payload["ignoreExisting"] = true
	}
	if f.FastList {
		payload["fastList"] = true
	}
	if f.Transfers > 0 {
		payload["transfers"] = f.Transfers
	}
	if f.Checkers > 0 {
		payload["checkers"] = f.Checkers
	}
	if f.BwLimit != "" {
		payload["bwlimit"] = f.BwLimit
	}

	return payload
}

// Encode returns the canonical JSON form used for storage and
// fingerprinting. Field order is fixed by the struct definition, so equal
// flags always encode to equal strings.
func (f TransferFlags) Encode() string {
	data, _ := json.Marshal(f)
	return string(data)
}

// Fingerprint identifies a create-job request by its semantic content. Two
// requests with the same fingerprint are the same request.
func Fingerprint(node string, kind JobKind, src, dst string, flags TransferFlags) string {
	data, _ := json.Marshal(map[string]any{
		"node":  node,
		"kind":  kind,
		"src":   src,
		"dst":   dst,
		"flags": flags.Encode(),
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
