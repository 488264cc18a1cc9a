package sign

import (
	"testing"
)

func TestCanonicalJSONKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(a) != `{"a":1,"b":2,"c":3}` {
		t.Fatalf("keys not sorted: %s", a)
	}
}

func TestCanonicalJSONStructVsMap(t *testing.T) {
	type payload struct {
		Beta  string `json:"beta"`
		Alpha string `json:"alpha"`
	}
	fromStruct, err := CanonicalJSON(payload{Beta: "b", Alpha: "a"})
	if err != nil {
		t.Fatalf("canonical struct: %v", err)
	}
	fromMap, err := CanonicalJSON(map[string]string{"alpha": "a", "beta": "b"})
	if err != nil {
		t.Fatalf("canonical map: %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Fatalf("struct and map encode differently: %s vs %s", fromStruct, fromMap)
	}
}

func TestHMACHexDeterministic(t *testing.T) {
	key := []byte("k")
	a := HMACHex(key, []byte("payload"))
	b := HMACHex(key, []byte("payload"))
	if a != b {
		t.Fatalf("hmac not deterministic: %s vs %s", a, b)
	}
	if HMACHex([]byte("other"), []byte("payload")) == a {
		t.Fatal("different keys must produce different macs")
	}
	if len(a) != 64 {
		t.Fatalf("hex sha256 length %d, want 64", len(a))
	}
}

func TestEqual(t *testing.T) {
	key := []byte("k")
	a := HMACHex(key, []byte("x"))
	if !Equal(a, a) {
		t.Fatal("equal signatures must compare true")
	}
	if Equal(a, HMACHex(key, []byte("y"))) {
		t.Fatal("different signatures must compare false")
	}
}
