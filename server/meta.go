package server

import (
	"encoding/binary"
	"fmt"
)

// Storage layout:
//
//	t <table id BE8> <key>      data
//	s <kind> <id BE8>           schema record, kind is q, d or t
//	m\xffpaxos                  last committed paxos id
//	m\xffnextid                 last allocated schema id
var (
	paxosKey  = []byte("m\xffpaxos")
	nextIDKey = []byte("m\xffnextid")
)

const (
	kindQuorum   = 'q'
	kindDatabase = 'd'
	kindTable    = 't'
)

func be(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func tablePrefix(id uint64) []byte {
	return append([]byte{'t'}, be(id)...)
}

// tableEnd is the exclusive upper bound of a table's data.
func tableEnd(id uint64) []byte {
	return tablePrefix(id + 1)
}

func dataKey(tableID uint64, key []byte) []byte {
	return append(tablePrefix(tableID), key...)
}

func schemaKey(kind byte, id uint64) []byte {
	return append([]byte{'s', kind}, be(id)...)
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// or nil if there is none.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// successor returns the smallest key greater than k.
func successor(k []byte) []byte {
	return append(append([]byte(nil), k...), 0)
}

func validateName(what string, name string) error {
	if len(name) < 1 {
		return fmt.Errorf("%s name must not be empty", what)
	}
	if len(name) > 64 {
		return fmt.Errorf("%s name must be less than 64 bytes", what)
	}
	for _, char := range name {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char == '.') ||
			(char == '-') ||
			(char == '_') ||
			(char >= '0' && char <= '9')) {
			return fmt.Errorf("%s name has invalid character: %c", what, char)
		}
	}
	return nil
}
