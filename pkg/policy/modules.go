package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BaselineModule is loaded when the guard is enabled without any configured
// modules. It refuses to release credentials to plain-http URLs other than
// loopback addresses.
const BaselineModule = `package broker

import rego.v1

default decision := {"action": "allow"}

decision := {"action": "block", "reason": "credentials are only released over https"} if {
	startswith(lower(input.url), "http://")
	not loopback
}

loopback if input.host == "localhost"

loopback if startswith(input.host, "127.")

loopback if input.host == "::1"
`

// LoadModules reads Rego sources from paths. A directory contributes every
// *.rego file beneath it. Module names are the file paths.
func LoadModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string)
	for _, root := range paths {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ".rego" {
				if !d.IsDir() && path == root {
					return fmt.Errorf("%s is not a .rego file", path)
				}
				return nil
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			modules[path] = string(src)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load rego modules from %s: %w", root, err)
		}
	}
	return modules, nil
}
