package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeVersionKey builds the storage key for one version of a record.
// The record identifier is encoded so byte-wise comparison sorts records
// ascending, then the commit timestamp is appended inverted so versions
// of the same record sort newest first. A seek to (record, ts) therefore
// lands on the newest version visible at ts.
func EncodeVersionKey(record []byte, ts uint64) []byte {
	encoded := EncodeBytes(record)
	return AppendTs(encoded, ts)
}

// EncodeBytes encodes data in the memcomparable format described in
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format:
// the input is cut into 8-byte groups, each group zero-padded and followed
// by a marker byte of 0xFF minus the pad count. Encoded values compare the
// same way the raw values do, and no encoded key is a prefix of another.
func EncodeBytes(data []byte) []byte {
	// Reserve room for every group plus its marker, and for the 8 byte
	// timestamp most callers append right after.
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+8)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}
		result = append(result, encMarker-byte(padCount))
	}
	return result
}

// AppendTs appends ts to an encoded key, inverted so that larger
// timestamps order first.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// SplitVersionKey decodes a key built by EncodeVersionKey back into the
// record identifier and the version timestamp.
func SplitVersionKey(key []byte) ([]byte, uint64, error) {
	left, record, err := DecodeBytes(key)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if len(left) != 8 {
		return nil, 0, errors.Errorf("invalid version key, %d trailing bytes", len(left))
	}
	return record, ^binary.BigEndian.Uint64(left), nil
}

// DecodeBytes reverses EncodeBytes, returning the leftover bytes and the
// decoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]
		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			// Verify the padding is all zero so corrupt keys fail loudly.
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}
