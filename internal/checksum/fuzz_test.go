package checksum

import (
	"testing"
)

// FuzzCRC32CExtend fuzzes the CRC32C accumulator the data-file engine
// extends block by block while streaming a file through BackupFile.
func FuzzCRC32CExtend(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0})
	f.Add([]byte("hello world"))
	f.Add(make([]byte, 1024))

	f.Fuzz(func(t *testing.T, data []byte) {
		sum := Value(data)
		sum2 := Value(data)
		if sum != sum2 {
			t.Errorf("Value not consistent: %x != %x", sum, sum2)
		}
	})
}

// FuzzCRC32CSplitExtend checks that extending across an arbitrary split
// point gives the same result as computing the CRC over the whole buffer
// at once, the property BackupFile relies on when it accumulates a file's
// CRC one block at a time instead of buffering the whole file.
func FuzzCRC32CSplitExtend(f *testing.F) {
	f.Add([]byte("hello world"), 5)
	f.Add(make([]byte, 1024), 0)

	f.Fuzz(func(t *testing.T, data []byte, split int) {
		if len(data) == 0 {
			return
		}
		if split < 0 {
			split = -split
		}
		split %= len(data) + 1

		whole := Value(data)
		partial := Extend(Value(data[:split]), data[split:])
		if whole != partial {
			t.Errorf("split extend mismatch at %d: whole=%x partial=%x", split, whole, partial)
		}
	})
}
