package transfer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ParseUploadManifest reads the manifest the registrar produced and
// maps each file name to the object id the storage side assigned it.
//
// The manifest is whitespace-delimited; its header row starts with
// "object-id".
func ParseUploadManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ids := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] == "object-id" {
			continue
		}
		ids[filepath.Base(fields[1])] = fields[0]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
