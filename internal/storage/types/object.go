package types

import "io"

// Object is a downloaded object held in memory with a read cursor. It is
// owned by a single caller and must not be read concurrently.
type Object struct {
	data []byte
	pos  int
}

// NewObject wraps data. The slice is owned by the Object afterwards.
func NewObject(data []byte) *Object {
	return &Object{data: data}
}

// Read copies from the current cursor into buf. It returns io.EOF once the
// cursor reaches the end of the data.
func (o *Object) Read(buf []byte) (int, error) {
	if o.pos >= len(o.data) {
		if len(buf) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(buf, o.data[o.pos:])
	o.pos += n
	return n, nil
}

// Len returns the number of unread bytes.
func (o *Object) Len() int {
	return len(o.data) - o.pos
}

// Size returns the total object size.
func (o *Object) Size() int64 {
	return int64(len(o.data))
}

// Close releases the buffer.
func (o *Object) Close() error {
	o.data = nil
	o.pos = 0
	return nil
}
