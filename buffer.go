package proactor

import "encoding/binary"

const descriptorSize = 4

// Buffer is an owned byte region. Size is the number of meaningful bytes and never
// exceeds Capacity.
type Buffer struct {
	data []byte
	size int
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// BufferFrom copies data into a new buffer whose size equals its capacity.
func BufferFrom(data []byte) *Buffer {
	b := &Buffer{data: make([]byte, len(data)), size: len(data)}
	copy(b.data, data)
	return b
}

func emptyBuffer() *Buffer {
	return &Buffer{}
}

// Bytes returns the meaningful part of the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[:b.size]
}

func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

func (b *Buffer) Capacity() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// SetSize records how many bytes are valid, clamped to the capacity.
func (b *Buffer) SetSize(size int) {
	if size < 0 {
		size = 0
	}
	if size > len(b.data) {
		size = len(b.data)
	}
	b.size = size
}

// Resize grows the capacity, keeping the current contents. It never shrinks.
func (b *Buffer) Resize(capacity int) {
	if capacity <= len(b.data) {
		return
	}
	data := make([]byte, capacity)
	copy(data, b.data[:b.size])
	b.data = data
}

func (b *Buffer) Append(p []byte) {
	if b.size+len(p) > len(b.data) {
		b.Resize(b.size + len(p))
	}
	copy(b.data[b.size:], p)
	b.size += len(p)
}

func (b *Buffer) Clear() {
	b.size = 0
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

func bufferWithDescriptor(fd int) *Buffer {
	b := NewBuffer(descriptorSize)
	binary.NativeEndian.PutUint32(b.data, uint32(int32(fd)))
	b.SetSize(descriptorSize)
	return b
}

// Descriptor decodes the socket descriptor carried by an accept completion.
func (b *Buffer) Descriptor() (int, bool) {
	if b.Size() != descriptorSize {
		return -1, false
	}
	fd := int(int32(binary.NativeEndian.Uint32(b.data)))
	return fd, fd >= 0
}
