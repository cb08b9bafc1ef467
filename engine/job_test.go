package engine

import (
	"encoding/hex"
	"testing"
)

func TestSHA256dKnownVector(t *testing.T) {
	got := SHA256d([]byte("hello"))
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	if hex.EncodeToString(got[:]) != want {
		t.Fatalf("sha256d(hello) = %x, want %s", got, want)
	}
}

func TestPutNonce(t *testing.T) {
	var header [HeaderLen]byte
	PutNonce(&header, 0x01020304)

	tail := header[HeaderLen-NonceLen:]
	want := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("nonce tail = %x, want %x", tail, want)
		}
	}
}

func TestHashMeetsTarget(t *testing.T) {
	var digest, target [TargetLen]byte

	// Equal values do not meet the target.
	if HashMeetsTarget(&digest, &target) {
		t.Error("equal digest should not meet target")
	}

	// Digest below the target meets it.
	target[0] = 0x01
	if !HashMeetsTarget(&digest, &target) {
		t.Error("zero digest should meet nonzero target")
	}

	// Digest above the target does not.
	digest[0] = 0x02
	if HashMeetsTarget(&digest, &target) {
		t.Error("larger digest should not meet target")
	}

	// The comparison is big-endian: a difference in an early byte
	// dominates later bytes.
	digest = [TargetLen]byte{}
	target = [TargetLen]byte{}
	digest[0] = 0x01
	digest[31] = 0x00
	target[0] = 0x02
	target[31] = 0xff
	if !HashMeetsTarget(&digest, &target) {
		t.Error("digest with smaller leading byte should meet target")
	}

	// Difference only in the last word.
	digest = [TargetLen]byte{}
	target = [TargetLen]byte{}
	target[31] = 0x01
	if !HashMeetsTarget(&digest, &target) {
		t.Error("digest smaller in final word should meet target")
	}
}

func TestNewJobUniqueIDs(t *testing.T) {
	var header [HeaderLen]byte
	var target [TargetLen]byte

	a := NewJob(header, target, 1.0)
	b := NewJob(header, target, 1.0)
	if a.ID == "" || b.ID == "" {
		t.Fatal("job ids must not be empty")
	}
	if a.ID == b.ID {
		t.Fatalf("job ids must be unique, both %s", a.ID)
	}
}
