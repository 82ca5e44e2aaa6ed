// Package checksum provides the CRC-32C accumulator the data-file engine
// uses to compute each backed-up file's whole-file CRC (the FileRecord.CRC
// the catalog's file list stores), extending one running value block by
// block as BackupFile streams a file through the pipeline.
package checksum

import (
	"hash/crc32"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Value computes the CRC32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}
