package cluster

import (
	"reflect"
	"sort"
	"testing"
)

func TestNewConfigQuorumAndSize(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"b": "addr-b", "c": "addr-c"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if c.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", c.Size())
	}
	if c.Quorum() != 2 {
		t.Fatalf("Quorum() = %d, want 2", c.Quorum())
	}
	if c.Self() != "a" {
		t.Fatalf("Self() = %q, want a", c.Self())
	}
}

func TestNewConfigEvenSizeQuorum(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"b": "addr-b", "c": "addr-c", "d": "addr-d"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if c.Quorum() != 3 {
		t.Fatalf("Quorum() = %d, want 3 for a 4-node cluster", c.Quorum())
	}
}

func TestPeerIDsExcludesSelf(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"b": "addr-b", "c": "addr-c"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	peers := c.PeerIDs()
	sort.Strings(peers)
	if !reflect.DeepEqual(peers, []string{"b", "c"}) {
		t.Fatalf("PeerIDs() = %v, want [b c]", peers)
	}
}

func TestAddressLookup(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"b": "addr-b"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if addr, ok := c.Address("b"); !ok || addr != "addr-b" {
		t.Fatalf("Address(b) = (%q, %v), want (addr-b, true)", addr, ok)
	}
	if _, ok := c.Address("unknown"); ok {
		t.Fatal("Address(unknown) reported present")
	}
}

func TestNewConfigRejectsEmptySelfID(t *testing.T) {
	if _, err := NewConfig("", "addr-a", nil); err == nil {
		t.Fatal("NewConfig with empty self id succeeded, want error")
	}
}

func TestNewConfigSelfIDInPeersIsIgnored(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"a": "addr-a-dup", "b": "addr-b"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 (self entry in peers must not double-count)", c.Size())
	}
}

func TestHasMember(t *testing.T) {
	c, err := NewConfig("a", "addr-a", map[string]string{"b": "addr-b"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if !c.HasMember("a") || !c.HasMember("b") {
		t.Fatal("HasMember false for a known member")
	}
	if c.HasMember("z") {
		t.Fatal("HasMember true for an unknown member")
	}
}
