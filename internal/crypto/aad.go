// Package icrypto builds the associated data bound into every AES-GCM seal,
// so a ciphertext cannot be replayed under another partition, session or
// record kind.
package icrypto

import (
	"encoding/binary"
)

const (
	aadState     = "STATE"
	aadBackup    = "BACKUP"
	aadBackupSet = "BACKUPSET"
	aadToken     = "CSRF"
	aadKeyWrap   = "KEYWRAP"
	aadBroadcast = "BROADCAST"

	ver = 1
)

// AADState binds the canonical state record of a partition.
func AADState(partition string) []byte {
	return buildAAD(aadState, partition, ver)
}

// AADBroadcast binds a state payload published on the cross-tab channel.
func AADBroadcast(partition string) []byte {
	return buildAAD(aadBroadcast, partition, ver)
}

// AADBackup binds a single snapshot to its session and version.
func AADBackup(partition, sessionID string, version uint64) []byte {
	return buildAAD(aadBackup, partition, sessionID, version, ver)
}

// AADBackupSet binds the mirrored backup history of a session.
func AADBackupSet(partition, sessionID string) []byte {
	return buildAAD(aadBackupSet, partition, sessionID, ver)
}

// AADToken binds a tab-scoped CSRF token record.
func AADToken(partition, tabID string) []byte {
	return buildAAD(aadToken, partition, tabID, ver)
}

// AADKeyWrap binds the sealed origin key.
func AADKeyWrap(partition string) []byte {
	return buildAAD(aadKeyWrap, partition, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
