// Package usbid resolves vendor and product IDs to names using the usb.ids
// database shipped with usbutils and hwdata.
package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths are the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. The zero value is an
// empty database. Lookups are safe for concurrent use.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string // vendor<<16 | product
}

func productKey(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Open parses the first of paths that exists, or [DefaultPaths] when none
// are given. It returns an empty database and fs.ErrNotExist if none
// exist.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	db := &Database{}
	for _, p := range paths {
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return db, err
		}
		defer f.Close()
		if err := db.Parse(f); err != nil {
			return db, fmt.Errorf("usbid: %s: %w", p, err)
		}
		return db, nil
	}
	return db, fs.ErrNotExist
}

// Parse adds the vendor and product entries read from r. Vendor lines are
// "vvvv  name" and the product lines under them "\tpppp  name". Device
// classes and the other trailing sections are skipped.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.vendors == nil {
		db.vendors = make(map[uint16]string)
		db.products = make(map[uint32]string)
	}

	var vendor uint16
	inVendor := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		nested := line[0] == '\t'
		if nested && strings.HasPrefix(line, "\t\t") {
			continue // Interface lines
		}
		id, name, ok := entry(strings.TrimPrefix(line, "\t"))
		switch {
		case !nested && ok:
			vendor, inVendor = id, true
			db.vendors[id] = name
		case !nested:
			inVendor = false
		case inVendor && ok:
			db.products[productKey(vendor, id)] = name
		}
	}
	return sc.Err()
}

// entry splits "xxxx  name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	return uint16(id), name, name != ""
}

// Vendor returns the name registered for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the name registered for pid under vid, or "".
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[productKey(vid, pid)]
}

// Describe formats the best available name for vid:pid, falling back to
// the hex IDs.
func (db *Database) Describe(vid, pid uint16) string {
	v, p := db.Vendor(vid), db.Product(vid, pid)
	switch {
	case v != "" && p != "":
		return v + " " + p
	case v != "":
		return fmt.Sprintf("%s %04x", v, pid)
	}
	return fmt.Sprintf("%04x:%04x", vid, pid)
}

// Len reports how many vendors and products are known.
func (db *Database) Len() (vendors, products int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.products)
}
