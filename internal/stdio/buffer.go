// Copyright 2025 The runshim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stdio

// ringBuffer retains the most recent writes up to a fixed capacity.
// When full, the oldest bytes are discarded so writers never block.
type ringBuffer struct {
	data   []byte
	start  int
	length int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]byte, size)}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= len(b.data) {
		copy(b.data, p[n-len(b.data):])
		b.start = 0
		b.length = len(b.data)
		return n, nil
	}
	for _, c := range p {
		if b.length < len(b.data) {
			b.data[(b.start+b.length)%len(b.data)] = c
			b.length++
		} else {
			b.data[b.start] = c
			b.start = (b.start + 1) % len(b.data)
		}
	}
	return n, nil
}

// Bytes returns the retained data in write order.
func (b *ringBuffer) Bytes() []byte {
	out := make([]byte, b.length)
	for i := 0; i < b.length; i++ {
		out[i] = b.data[(b.start+i)%len(b.data)]
	}
	return out
}
