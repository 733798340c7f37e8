package ring

import (
	"slices"
	"testing"
)

func TestBuffer_PushWithinCapacity(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 3; i++ {
		b.Push(i)
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if got := b.Items(); !slices.Equal(got, []int{1, 2, 3}) {
		t.Errorf("Items() = %v, want [1 2 3]", got)
	}
}

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := New[int](4)
	// Push N+k items; only the last N survive, oldest first.
	for i := 1; i <= 10; i++ {
		b.Push(i)
	}

	if b.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", b.Len())
	}
	if got := b.Items(); !slices.Equal(got, []int{7, 8, 9, 10}) {
		t.Errorf("Items() = %v, want [7 8 9 10]", got)
	}
}

func TestBuffer_ResizeDownKeepsTail(t *testing.T) {
	b := New[int](10)
	for i := 1; i <= 10; i++ {
		b.Push(i)
	}

	b.Resize(4)

	if b.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", b.Cap())
	}
	if got := b.Items(); !slices.Equal(got, []int{7, 8, 9, 10}) {
		t.Errorf("Items() after resize = %v, want [7 8 9 10]", got)
	}

	// Wrap-around bookkeeping must be correct after the resize.
	b.Push(11)
	if got := b.Items(); !slices.Equal(got, []int{8, 9, 10, 11}) {
		t.Errorf("Items() after push = %v, want [8 9 10 11]", got)
	}
}

func TestBuffer_ResizeUpIsLossless(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)

	b.Resize(8)

	if b.Cap() != 8 {
		t.Fatalf("Cap() = %d, want 8", b.Cap())
	}
	if got := b.Items(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("Items() = %v, want [1 2]", got)
	}
}

func TestBuffer_ResizeToZero(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)

	b.Resize(0)

	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}

	// Pushes into a zero-capacity buffer are dropped.
	b.Push(3)
	if b.Len() != 0 {
		t.Fatalf("Len() after push = %d, want 0", b.Len())
	}

	// Resizing back up makes it usable again.
	b.Resize(2)
	b.Push(4)
	if got := b.Items(); !slices.Equal(got, []int{4}) {
		t.Errorf("Items() = %v, want [4]", got)
	}
}

func TestBuffer_ItemsIsFreshSlice(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)

	got := b.Items()
	got[0] = 99

	if fresh := b.Items(); !slices.Equal(fresh, []int{1, 2}) {
		t.Errorf("mutating a returned slice leaked into the buffer: %v", fresh)
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	b.Clear()

	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
	if b.Cap() != 3 {
		t.Fatalf("Cap() = %d, want 3", b.Cap())
	}

	b.Push(7)
	if got := b.Items(); !slices.Equal(got, []int{7}) {
		t.Errorf("Items() = %v, want [7]", got)
	}
}

func TestBuffer_NegativeCapacity(t *testing.T) {
	b := New[int](-1)
	b.Push(1)
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}
