package messages

import (
	"bytes"
	_ "embed"
)

//go:embed messages.yaml
var defaultTable []byte

// Default returns the registry built from the embedded message table.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultTable))
}
