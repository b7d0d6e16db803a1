package fwcfg

import (
	"bytes"
	"errors"
	"testing"
)

func TestStoreFindAndRead(t *testing.T) {
	s := NewStore()
	s.Add("etc/acpi/tables", []byte{1, 2, 3, 4, 5})

	item, err := s.Find("etc/acpi/tables")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if item.Size != 5 {
		t.Errorf("size = %d, want 5", item.Size)
	}

	buf := make([]byte, 5)
	if err := s.Read(item, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("read % x, want 01 02 03 04 05", buf)
	}
}

func TestStoreFindUnknown(t *testing.T) {
	s := NewStore()
	if _, err := s.Find("etc/none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStoreWrite(t *testing.T) {
	s := NewStore()
	s.AddWritable("etc/hardware-info", make([]byte, 8))

	item, err := s.Find("etc/hardware-info")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := s.Write(item, 2, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, _ := s.Contents("etc/hardware-info")
	want := []byte{0, 0, 0xaa, 0xbb, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("contents = % x, want % x", got, want)
	}

	if err := s.Write(item, 7, []byte{1, 2}); err == nil {
		t.Error("out-of-range Write succeeded")
	}
}

func TestStoreWriteReadOnly(t *testing.T) {
	s := NewStore()
	s.Add("etc/acpi/tables", make([]byte, 8))

	item, _ := s.Find("etc/acpi/tables")
	if err := s.Write(item, 0, []byte{1}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("err = %v, want ErrReadOnly", err)
	}
}
