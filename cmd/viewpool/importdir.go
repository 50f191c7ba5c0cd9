package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/postreach/viewpool/internal/imports"
)

const proxyListFile = "proxy.txt"

// loadImportDir reads 0.session/0.json, 1.session/1.json, ... from dir and
// stops at the first index without both files. proxy.txt is optional.
func loadImportDir(dir string) ([]imports.Item, string, error) {
	info, errStat := os.Stat(dir)
	if errStat != nil {
		return nil, "", fmt.Errorf("import dir: %w", errStat)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("import dir: %s is not a directory", dir)
	}

	var items []imports.Item
	for idx := 0; ; idx++ {
		base := filepath.Join(dir, strconv.Itoa(idx))
		credential, errCred := os.ReadFile(base + ".session")
		descriptor, errDesc := os.ReadFile(base + ".json")
		if errors.Is(errCred, os.ErrNotExist) || errors.Is(errDesc, os.ErrNotExist) {
			break
		}
		if errCred != nil {
			return nil, "", fmt.Errorf("read %s.session: %w", base, errCred)
		}
		if errDesc != nil {
			return nil, "", fmt.Errorf("read %s.json: %w", base, errDesc)
		}
		items = append(items, imports.Item{Credential: credential, Descriptor: descriptor})
	}
	if len(items) == 0 {
		return nil, "", fmt.Errorf("import dir: no <n>.session/<n>.json pairs in %s", dir)
	}

	proxyList, errProxy := os.ReadFile(filepath.Join(dir, proxyListFile))
	if errProxy != nil && !errors.Is(errProxy, os.ErrNotExist) {
		return nil, "", fmt.Errorf("read %s: %w", proxyListFile, errProxy)
	}
	return items, string(proxyList), nil
}
