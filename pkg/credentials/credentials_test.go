package credentials

import "testing"

func TestStaticReadReturnsStoredValue(t *testing.T) {
	store := Static{FWPublicKey: []byte("der-bytes")}
	got, err := store.Read(FWPublicKey)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "der-bytes" {
		t.Fatalf("Read() = %q, want %q", got, "der-bytes")
	}
}

func TestStaticReadMissingSlotErrors(t *testing.T) {
	store := Static{}
	if _, err := store.Read(SWPublicKey); err == nil {
		t.Fatal("expected an error reading an unset slot")
	}
}

func TestStaticReadEmptyValueErrors(t *testing.T) {
	store := Static{DMPsk: []byte{}}
	if _, err := store.Read(DMPsk); err == nil {
		t.Fatal("expected an error reading a slot set to an empty value")
	}
}
