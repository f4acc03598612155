package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for ingestion subjects. Keeping
// it a power of two makes consumer rebalancing predictable.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a user ID.
func GetShardID(userID string) int {
	checksum := crc32.ChecksumIEEE([]byte(userID))
	return int(checksum % ShardCount)
}

// PingSubject returns the JetStream subject for a user's ping batch messages.
// Format: corona.pings.{shard_id}.user.{user_id}
func PingSubject(userID string) string {
	return fmt.Sprintf("corona.pings.%d.user.%s", GetShardID(userID), userID)
}

// ReportSubject returns the JetStream subject for a user's infection reports.
// Format: corona.reports.{status}.user.{user_id}
func ReportSubject(status, userID string) string {
	return fmt.Sprintf("corona.reports.%s.user.%s", status, userID)
}
