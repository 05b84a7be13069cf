package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Seq、Type、RunID、State、Outcome、Detail 以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	for _, part := range []string{string(event.Type), event.RunID, event.State, event.Outcome, event.Detail} {
		b.WriteByte('|')
		b.WriteString(part)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
