package rplidar

import (
	"errors"
	"testing"
)

func TestNodeStream_SplitFeeds(t *testing.T) {
	raw := append(EncodeNode(Node{StartFlag: true, Quality: 3, AngleDeg: 10, DistanceMM: 500}),
		EncodeNode(Node{Quality: 3, AngleDeg: 11, DistanceMM: 600})...)

	s := NewNodeStream()
	s.Feed(raw[:7])
	n, ok, err := s.Next()
	if err != nil || !ok || n.AngleDeg != 10 {
		t.Fatalf("Next() = %+v, %v, %v", n, ok, err)
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("Next() returned a node from 2 bytes")
	}
	s.Feed(raw[7:])
	n, ok, err = s.Next()
	if err != nil || !ok || n.AngleDeg != 11 || n.StartFlag {
		t.Fatalf("Next() = %+v, %v, %v", n, ok, err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() = %d", s.Buffered())
	}
}

func TestNodeStream_Garbage(t *testing.T) {
	s := NewNodeStream()
	s.MaxBadNodes = 3
	s.Feed(make([]byte, 10))
	if _, _, err := s.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Next() = %v, want ErrProtocol", err)
	}
	s.Reset()
	if s.Buffered() != 0 {
		t.Error("Reset() kept bytes")
	}
}
