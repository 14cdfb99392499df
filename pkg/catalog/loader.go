package catalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/datumfab/datum/pkg/contracts"
)

// Loader reads catalog documents from a file tree laid out as
//
//	packs/<file>.(json|yaml)
//	profiles/<file>.(json|yaml)
//	industries/<file>.(json|yaml)
//	bundles/<file>.(json|yaml)
//
// Every document is schema-validated before it enters the catalog. The
// tree may be an os.DirFS for on-disk catalogs or an embed.FS for the
// seed catalog; both go through the same validation.
type Loader struct {
	schemas *schemaSet
}

func NewLoader() (*Loader, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Loader{schemas: schemas}, nil
}

// Load parses and validates the tree rooted at fsys into a new Memory
// catalog. Files load in path order so repeat loads are deterministic.
func (l *Loader) Load(fsys fs.FS) (*Memory, error) {
	mem := NewMemory()
	if err := l.LoadInto(fsys, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

func (l *Loader) LoadInto(fsys fs.FS, cat Catalog) error {
	type section struct {
		dir  string
		load func([]byte, string) error
	}
	sections := []section{
		{"packs", func(doc []byte, name string) error {
			var p contracts.StandardsPack
			if err := l.decode(doc, l.schemas.pack, &p); err != nil {
				return fmt.Errorf("catalog: pack %s: %w", name, err)
			}
			return cat.PutPack(&p)
		}},
		{"industries", func(doc []byte, name string) error {
			var p contracts.IndustryProfile
			if err := l.decode(doc, l.schemas.industry, &p); err != nil {
				return fmt.Errorf("catalog: industry %s: %w", name, err)
			}
			return cat.PutIndustry(&p)
		}},
		{"profiles", func(doc []byte, name string) error {
			var p contracts.StandardsProfile
			if err := l.decode(doc, l.schemas.profile, &p); err != nil {
				return fmt.Errorf("catalog: profile %s: %w", name, err)
			}
			return cat.PutProfileVersion(&p)
		}},
		{"bundles", func(doc []byte, name string) error {
			var b contracts.ProfileBundle
			if err := l.decode(doc, l.schemas.bundle, &b); err != nil {
				return fmt.Errorf("catalog: bundle %s: %w", name, err)
			}
			return cat.PutBundle(&b)
		}},
	}

	for _, s := range sections {
		files, err := listDocs(fsys, s.dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			doc, err := fs.ReadFile(fsys, f)
			if err != nil {
				return fmt.Errorf("catalog: read %s: %w", f, err)
			}
			if err := s.load(doc, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// decode parses JSON or YAML into a generic tree, validates it against
// schema, then binds it onto out via a JSON round trip.
func (l *Loader) decode(doc []byte, schema interface{ Validate(any) error }, out any) error {
	var generic any
	if err := yaml.Unmarshal(doc, &generic); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	generic = normalizeYAML(generic)
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func listDocs(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		// A catalog tree may omit whole sections.
		return nil, nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(e.Name()))
		if ext == ".json" || ext == ".yaml" || ext == ".yml" {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// normalizeYAML rewrites yaml.v3's map[any]any nodes (possible on
// non-string keys) into map[string]any so schema validation and JSON
// marshalling accept the tree.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}
