package catalog

import (
	"embed"
	"io/fs"
)

//go:embed seeddata
var seedFS embed.FS

// Seed loads the built-in catalog: IPC baseline, NASA polymerics, medical
// process validation, the AS9100 aerospace layer, and the Customer X
// overlay, plus the industry defaults that reference them. The seed goes
// through the same schema validation as any on-disk catalog.
func Seed() (*Memory, error) {
	loader, err := NewLoader()
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(seedFS, "seeddata")
	if err != nil {
		return nil, err
	}
	return loader.Load(sub)
}
