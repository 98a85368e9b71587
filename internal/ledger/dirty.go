package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const digestPrefix = "sha256:"

// ComputeDigest returns the content address of data.
func ComputeDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// IsFileDirty reports whether a transcript needs uploading. Size is checked
// alongside mtime because a backdated or skewed clock can hide a change.
func IsFileDirty(entry *FileEntry, sizeBytes int64, mtime time.Time) bool {
	if entry == nil {
		return true
	}
	if mtime.After(entry.UploadedAt) {
		return true
	}
	return sizeBytes != entry.UploadedSizeBytes
}

// IsSkillDirty reports whether a skill needs uploading. An availability flip
// counts even when the content is unchanged.
func IsSkillDirty(entry *SkillEntry, digest string, available bool) bool {
	if entry == nil {
		return true
	}
	return entry.ContentDigest != digest || entry.Available != available
}

// SessionKey is the identity of one transcript file.
func SessionKey(agentID, fileBaseName string) string {
	return "agents/" + agentID + "/sessions/" + fileBaseName
}

// SkillKey is the identity of one skill as seen by one agent.
func SkillKey(agentID, source, skillDirName string) string {
	return "skills/" + agentID + "/" + source + "/" + skillDirName
}
