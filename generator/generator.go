package generator

import (
	"bytes"
	"encoding/binary"
	"net"
)

const maxNode = 1 << 10

func IDbyIP(ip string) uint32 {
	var id uint32
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return 0
	}
	binary.Read(bytes.NewBuffer(v4), binary.BigEndian, &id)
	return id
}

// NodeID 把实例 IP 映射为 snowflake 节点号 (0-1023)
func NodeID(ip string) int64 {
	return int64(IDbyIP(ip) % maxNode)
}
