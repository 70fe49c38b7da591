package linutil

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Mapping is a line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Inode      uint64
	Path       string
	// Deleted is set when the mapped file was unlinked after being mapped.
	Deleted bool
}

const deletedSuffix = " (deleted)"

// Executable returns true if the mapping is executable.
func (m *Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Contains returns true if addr is inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ParseMaps reads the mappings of a process in the format of
// /proc/<pid>/maps.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %v", lineno, err)
		}
		maps = append(maps, m)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

func parseMapsLine(line string) (Mapping, error) {
	var m Mapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, fmt.Errorf("malformed line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return m, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return m, err
	}
	if m.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return m, err
	}
	m.Perms = fields[1]
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, err
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return m, err
	}
	if len(fields) > 5 {
		// paths can contain spaces
		m.Path = strings.Join(fields[5:], " ")
		if strings.HasPrefix(m.Path, "/") && strings.HasSuffix(m.Path, deletedSuffix) {
			m.Path = strings.TrimSuffix(m.Path, deletedSuffix)
			m.Deleted = true
		}
	}
	return m, nil
}
