package callmgr

import (
	"bytes"
	"testing"
)

func TestAudioQueue_PushSplitsIntoChunks(t *testing.T) {
	q := newAudioQueue()
	q.Push(make([]byte, chunkBytes*2+10))

	if q.Len() != 3 {
		t.Fatalf("chunks = %d, want 3", q.Len())
	}
}

func TestAudioQueue_DrainReturnsEverythingInOrder(t *testing.T) {
	q := newAudioQueue()
	q.Push([]byte{1, 2, 3})
	q.Push([]byte{4, 5})

	got := q.Drain()
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("drain = %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("drain must empty the queue")
	}
	if q.Drain() != nil {
		t.Fatalf("second drain must be nil")
	}
}

func TestAudioQueue_CapDropsOldest(t *testing.T) {
	q := newAudioQueue()
	first := bytes.Repeat([]byte{0xAA}, chunkBytes)
	q.Push(first)
	q.Push(make([]byte, chunkBytes*maxChunks))

	if q.Len() != maxChunks {
		t.Fatalf("chunks = %d, want cap %d", q.Len(), maxChunks)
	}
	got := q.Drain()
	if bytes.Contains(got[:chunkBytes], []byte{0xAA}) {
		t.Fatalf("oldest chunk should have been dropped")
	}
}

func TestAudioQueue_Flush(t *testing.T) {
	q := newAudioQueue()
	q.Push(make([]byte, chunkBytes*4))
	q.Flush()
	if q.Len() != 0 {
		t.Fatalf("flush must empty the queue")
	}
}
