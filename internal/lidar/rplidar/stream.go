package rplidar

import "fmt"

// NodeStream frames measurement nodes out of a raw SCAN byte stream.
// Undecodable bytes are skipped one at a time until framing is regained.
type NodeStream struct {
	// MaxBadNodes is how many consecutive undecodable positions Next skips
	// before reporting ErrProtocol.
	MaxBadNodes int

	buf []byte
	bad int
}

// NewNodeStream returns an empty stream.
func NewNodeStream() *NodeStream {
	return &NodeStream{MaxBadNodes: 64}
}

// Feed appends raw bytes.
func (s *NodeStream) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// Next returns the next whole node. ok is false when fewer than five bytes
// are buffered.
func (s *NodeStream) Next() (node Node, ok bool, err error) {
	for len(s.buf) >= nodeLen {
		n, derr := DecodeNode(s.buf[:nodeLen])
		if derr != nil {
			s.buf = s.buf[1:]
			s.bad++
			if s.bad > s.MaxBadNodes {
				bad := s.bad
				s.bad = 0
				return Node{}, false, fmt.Errorf("%w: %d consecutive bad nodes (last: %v)", ErrProtocol, bad, derr)
			}
			continue
		}
		s.buf = s.buf[nodeLen:]
		s.bad = 0
		s.compact()
		return n, true, nil
	}
	s.compact()
	return Node{}, false, nil
}

// compact moves the unread tail to the front once the slice has drifted.
func (s *NodeStream) compact() {
	if cap(s.buf) > 4096 && len(s.buf) < cap(s.buf)/4 {
		s.buf = append([]byte(nil), s.buf...)
	}
}

// Buffered returns the number of unread bytes.
func (s *NodeStream) Buffered() int { return len(s.buf) }

// Reset drops all buffered bytes.
func (s *NodeStream) Reset() {
	s.buf = nil
	s.bad = 0
}
