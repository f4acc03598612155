package sharding

import (
	"strconv"
	"testing"
)

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("user-42")
	b := GetShardID("user-42")
	if a != b {
		t.Fatalf("shard id not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard id out of range: %d", a)
	}
}

func TestPingSubject(t *testing.T) {
	want := "corona.pings." + strconv.Itoa(GetShardID("user-42")) + ".user.user-42"
	if got := PingSubject("user-42"); got != want {
		t.Fatalf("unexpected subject: %q", got)
	}
}

func TestReportSubject(t *testing.T) {
	if got := ReportSubject("infected", "u1"); got != "corona.reports.infected.user.u1" {
		t.Fatalf("unexpected subject: %q", got)
	}
}
