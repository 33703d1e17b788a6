package seedsync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire format for the FileNode tree the remote helper emits on stdout
// (spec §6, Design Notes). The spec leaves the exact encoding to the
// implementation provided both helper variants emit byte-identical output
// for byte-identical filesystems; this is a small explicit-schema binary
// format rather than a generic interchange format, so it is built directly
// on encoding/binary rather than reached for a third-party codec — see
// DESIGN.md.
//
// Layout (all integers little-endian):
//
//	node     := typeTag(1) name(lenPrefixedString) size(int64) timestamps children
//	typeTag  := 0x01 (file) | 0x02 (dir)
//	lenPrefixedString := length(uint32) bytes(utf8)
//	timestamps := present(1) [unixSeconds(int64)] present(1) [unixSeconds(int64)]  // created, modified
//	children := count(uint32) node*                                                 // only present when typeTag == dir
const (
	nodeTagFile = 0x01
	nodeTagDir  = 0x02
)

var errTruncatedWire = errors.New("seedsync: truncated wire payload")

// encodeFileNodes serializes a top-level list of FileNode as a synthetic
// root: count(uint32) followed by that many encoded nodes. This mirrors
// what the helper writes to stdout for the scan root's direct children.
func encodeFileNodes(nodes []FileNode) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(nodes)))
	for _, n := range nodes {
		encodeNode(&buf, n)
	}
	return buf.Bytes()
}

func encodeNode(buf *bytes.Buffer, n FileNode) {
	if n.IsDir {
		buf.WriteByte(nodeTagDir)
	} else {
		buf.WriteByte(nodeTagFile)
	}
	writeString(buf, n.Name)
	writeInt64(buf, n.Size)
	writeOptionalTime(buf, n.TimeCreated)
	writeOptionalTime(buf, n.TimeModified)
	if n.IsDir {
		writeUint32(buf, uint32(len(n.Children)))
		for _, c := range n.Children {
			encodeNode(buf, c)
		}
	}
}

// decodeFileNodes deserializes the bytes produced by encodeFileNodes. It
// returns an error if the payload is malformed or truncated; this is what
// the Remote Scanner treats as a fatal "cannot be deserialized" failure.
func decodeFileNodes(data []byte) ([]FileNode, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	nodes := make([]FileNode, 0, count)
	for range count {
		n, err := decodeNode(r)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("seedsync: %d trailing bytes after decode", r.Len())
	}
	sortChildren(nodes)
	return nodes, nil
}

func decodeNode(r *bytes.Reader) (FileNode, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return FileNode{}, errTruncatedWire
	}
	if tag != nodeTagFile && tag != nodeTagDir {
		return FileNode{}, fmt.Errorf("seedsync: unknown node type tag 0x%02x", tag)
	}

	name, err := readString(r)
	if err != nil {
		return FileNode{}, err
	}
	size, err := readInt64(r)
	if err != nil {
		return FileNode{}, err
	}
	created, err := readOptionalTime(r)
	if err != nil {
		return FileNode{}, err
	}
	modified, err := readOptionalTime(r)
	if err != nil {
		return FileNode{}, err
	}

	n := FileNode{Name: name, Size: size, IsDir: tag == nodeTagDir, TimeCreated: created, TimeModified: modified}
	if n.IsDir {
		childCount, err := readUint32(r)
		if err != nil {
			return FileNode{}, err
		}
		n.Children = make([]FileNode, 0, childCount)
		for range childCount {
			c, err := decodeNode(r)
			if err != nil {
				return FileNode{}, err
			}
			if isLftpStatusFile(c.Name) {
				continue
			}
			n.Children = append(n.Children, c)
		}
		sortChildren(n.Children)
		n.Size = totalSize(n.Children)
	}
	return n, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeOptionalTime(buf *bytes.Buffer, t *time.Time) {
	if t == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeInt64(buf, t.Unix())
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncatedWire
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncatedWire
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errTruncatedWire
	}
	return string(b), nil
}

func readOptionalTime(r *bytes.Reader) (*time.Time, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, errTruncatedWire
	}
	if present == 0 {
		return nil, nil
	}
	secs, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}
