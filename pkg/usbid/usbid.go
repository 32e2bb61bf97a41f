package usbid

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists where distributions install the database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string
}

// New returns an empty database.
func New() *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Open parses the first of paths that exists. It returns the path it used,
// or fs.ErrNotExist if none of them could be opened.
func (db *Database) Open(paths ...string) (string, error) {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.Parse(f)
		f.Close()
		return path, err
	}
	return "", fs.ErrNotExist
}

// Parse adds the vendors and products listed in r. Lines it does not
// understand, such as the class tables at the end of the file, are skipped.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var (
		vid    uint16
		vendor bool
	)
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !vendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if pid, name, ok := entry(line[1:]); ok {
				db.products[key(vid, pid)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		vendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return s.Err()
}

// entry splits "xxxx  name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

func key(vid, pid uint16) uint32 {
	return uint32(vid)<<16 | uint32(pid)
}

// Vendor returns the name of vid.
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the name of pid under vid.
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[key(vid, pid)]
}

// Len returns the number of vendors and products known.
func (db *Database) Len() (vendors, products int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.products)
}
