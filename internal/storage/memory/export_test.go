package memory

import "errors"

// putRaw stores bytes under an explicit layout path, bypassing the codec.
func (s *Store) putRaw(path string, data []byte) error {
	if path == "" {
		return errors.New("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return nil
}
