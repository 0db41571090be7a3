package cannet

import "github.com/sigurn/crc16"

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection, no xorout.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 returns the checksum of p.
func CRC16(p []byte) uint16 { return crc16.Checksum(p, crcTable) }

// CRC16Init returns the seed for an incremental computation.
func CRC16Init() uint16 { return crc16.Init(crcTable) }

// UpdateCRC16 folds p into a running checksum started with CRC16Init.
func UpdateCRC16(crc uint16, p []byte) uint16 { return crc16.Update(crc, p, crcTable) }

// CRC16Complete finalizes a running checksum.
func CRC16Complete(crc uint16) uint16 { return crc16.Complete(crc, crcTable) }
